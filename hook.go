package substitute

import "github.com/SonicMastr/substitute/internal/execmem"

// Hook is one request in a batch passed to Install: redirect calls
// through Target to Replacement, and, if OldPtr is non-nil, publish a
// callable pointer to the relocated original there once the whole
// batch has committed — matching spec.md section 3's substitute_hook_t
// and section 9's resolution of the "old_ptr written before a later
// hook in the batch can fail" ordering bug.
type Hook struct {
	Target      uintptr
	Replacement uintptr

	// OldPtr, if non-nil, receives the address of a trampoline that
	// runs the original function's displaced prologue and then jumps
	// back into the unmodified remainder — callable exactly like the
	// original function, mode bit included.
	OldPtr *uintptr

	// Opt is forwarded unchanged to the memory manager backing this
	// hook's trampoline allocation.
	Opt execmem.Opt
}

// Record is one entry of the opaque restoration state Install
// returns: enough to undo a single hook's forward jump patch. Spec.md
// lays these out as one variable-length C struct per hook in a single
// contiguous heap block; a Go slice of value structs (each owning its
// own SavedBytes slice) serves the same "caller holds one opaque
// block, hands it back whole to Restore" role without requiring a
// hand-rolled packed encoding, see DESIGN.md.
type Record struct {
	target     uintptr
	opt        execmem.Opt
	savedBytes []byte
}

// Records is the opaque result of a successful Install call.
type Records []Record
