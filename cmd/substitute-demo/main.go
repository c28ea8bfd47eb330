// Command substitute-demo exercises Install and Restore end to end
// against real machine code: it builds a tiny target function and a
// tiny replacement directly in executable memory, hooks one to the
// other, prints the addresses involved (including the trampoline
// substitute.Install publishes for the displaced original), and
// restores the target. It does not call the generated functions —
// invoking raw machine code from Go safely requires matching Go's
// calling convention, which is beside the point of demonstrating the
// hook engine itself.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/SonicMastr/substitute"
	"github.com/SonicMastr/substitute/internal/arch"
	"github.com/SonicMastr/substitute/internal/execmem"
)

var (
	noThreadSafety bool
	relaxed        bool
	verbose        bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "substitute-demo",
		Short: "Install and restore a trampoline hook against a throwaway function",
		RunE:  runDemo,
	}
	var flags *pflag.FlagSet = root.Flags()
	flags.BoolVar(&noThreadSafety, "no-thread-safety", false, "set substitute.NoThreadSafety")
	flags.BoolVar(&relaxed, "relaxed", false, "set substitute.Relaxed")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log each step")
	return root
}

func runDemo(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}

	id, ok := arch.Current()
	if !ok {
		return fmt.Errorf("substitute-demo: unsupported architecture")
	}
	log.WithField("arch", id).Debug("building demo target and replacement")

	mgr := execmem.NewManager()
	target, err := buildFunction(mgr, id, 1)
	if err != nil {
		return fmt.Errorf("building target: %w", err)
	}
	replacement, err := buildFunction(mgr, id, 2)
	if err != nil {
		return fmt.Errorf("building replacement: %w", err)
	}

	var opts substitute.Options
	if noThreadSafety {
		opts |= substitute.NoThreadSafety
	}
	if relaxed {
		opts |= substitute.Relaxed
	}

	var original uintptr
	hooks := []substitute.Hook{{Target: target, Replacement: replacement, OldPtr: &original}}

	log.Debug("installing hook")
	records, status := substitute.Install(hooks, opts)
	if !status.Ok() {
		return fmt.Errorf("substitute-demo: install failed: %w", status)
	}
	fmt.Printf("hooked 0x%x -> 0x%x, original now callable at 0x%x\n", target, replacement, original)

	log.Debug("restoring hook")
	if status := substitute.Restore(records); !status.Ok() {
		return fmt.Errorf("substitute-demo: restore failed: %w", status)
	}
	fmt.Println("restored")
	return nil
}

// buildFunction writes a tiny, architecture-native "return tag"
// function into fresh executable memory and seals it — a real,
// callable function, not a simulated fixture, so the demo exercises
// Install's disassembler and jump-patch emitter against actual
// machine code the way a real embedding program would.
func buildFunction(mgr execmem.Manager, id arch.ID, tag byte) (uintptr, error) {
	page, err := mgr.AllocUnsealed(64, execmem.Opt{Hint: "substitute-demo"})
	if err != nil {
		return 0, err
	}

	var body []byte
	switch id {
	case arch.AMD64:
		body = []byte{0xB8, tag, 0x00, 0x00, 0x00, 0xC3} // mov eax, tag ; ret
	case arch.ARM64:
		movz := uint32(0x52800000) | uint32(tag)<<5 // movz w0, #tag
		body = []byte{
			byte(movz), byte(movz >> 8), byte(movz >> 16), byte(movz >> 24),
			0xC0, 0x03, 0x5F, 0xD6, // ret
		}
	default:
		return 0, fmt.Errorf("no function fixture for arch %v", id)
	}

	if err := mgr.ForeignWriteWithPCPatch([]execmem.ForeignWrite{{Dst: page.WritePtr, Src: body}}); err != nil {
		return 0, err
	}
	if err := page.Seal(); err != nil {
		return 0, err
	}
	return page.ExecAddr, nil
}
