package substitute

// Options is the per-Install bitfield spec.md section 3 calls
// substitute_options_t: the only configuration surface Install and
// Restore expose.
type Options uint32

const (
	// NoThreadSafety skips the main-thread check and permits call
	// instructions inside a hooked prologue (there's no other thread
	// whose in-flight call could tear mid-patch, by the caller's own
	// assertion). Matches SUBSTITUTE_OPT_NO_TRANSACTIONS's relaxation
	// of the threading guarantee, not its name, since "transactions"
	// isn't a concept this port carries — see DESIGN.md.
	NoThreadSafety Options = 1 << iota

	// Relaxed permits relative jumps inside a hooked prologue, trading
	// the "other threads may be paused mid-function" guarantee away in
	// the same way NoThreadSafety does for calls.
	Relaxed
)

func (o Options) threadSafe() bool { return o&NoThreadSafety == 0 }
func (o Options) relaxed() bool    { return o&Relaxed != 0 }
