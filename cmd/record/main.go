// Command record runs a guest wasm module under the instrumented
// tracing scheme and writes the resulting trace to disk.
//
// The trace sink must be assigned its intermediate-file path before the
// instrumented guest runs (spec.md §5, "fork discipline"). Go cannot
// safely fork() a multithreaded runtime, so record re-execs itself as a
// child process: the parent picks the sink path, exports it, starts the
// child, waits for it, then drains and finalizes the trace the child
// wrote.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero"

	"github.com/arjunr2/wasm-r3/hostabi"
	"github.com/arjunr2/wasm-r3/instrument"
	"github.com/arjunr2/wasm-r3/recordhost"
	"github.com/arjunr2/wasm-r3/sink"
)

// reexecEnvVar marks the re-exec'd child so main can tell which half of
// the fork-discipline split it is playing.
const reexecEnvVar = "WASMR3_RECORD_CHILD"

func main() {
	var scheme string
	var instArgs []string
	var verbose int
	var outfile string
	var instfile string

	cmd := &cobra.Command{
		Use:   "record -- guest.wasm [argv...]",
		Short: "Run a guest wasm module under instrumentation and record its trace",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			guestPath, argv := args[0], args[1:]
			if os.Getenv(reexecEnvVar) == "1" {
				return runChild(cmd.Context(), guestPath, argv, scheme, instArgs, instfile, verbose)
			}
			return runParent(guestPath, argv, verbose, outfile)
		},
	}

	cmd.Flags().StringVarP(&scheme, "scheme", "s", string(instrument.RoutineRecord), "instrumentation scheme")
	cmd.Flags().StringArrayVarP(&instArgs, "args", "a", nil, "instrumentation arguments")
	cmd.Flags().IntVarP(&verbose, "verbose", "v", 0, "log level within the guest engine")
	cmd.Flags().StringVarP(&outfile, "outfile", "o", "trace.r3", "output trace path")
	cmd.Flags().StringVarP(&instfile, "instfile", "i", "", "instrumented program output path")

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// runParent picks the sink path, re-execs the child with it exported,
// waits for the child, then finalizes whatever trace the child wrote
// regardless of the child's exit status (a bad child exit is a warning,
// not a reason to lose a partial trace).
func runParent(guestPath string, argv []string, verbose int, outfile string) error {
	contents, err := os.ReadFile(guestPath)
	if err != nil {
		return fmt.Errorf("record: reading guest module: %w", err)
	}
	digest := sha256.Sum256(contents)
	hexDigest := hex.EncodeToString(digest[:])

	sinkPath := sink.NewPath(os.TempDir())

	child := exec.Command(os.Args[0], os.Args[1:]...)
	child.Env = append(os.Environ(), reexecEnvVar+"=1", sink.PathEnvVar+"="+sinkPath)
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr

	if err := child.Start(); err != nil {
		return fmt.Errorf("record: starting instrumented child: %w", err)
	}

	waitErr := child.Wait()
	if waitErr != nil {
		log.Printf("record: instrumented child exited with error: %v", waitErr)
	}

	if err := sink.FinalizeFile(sinkPath, outfile, hexDigest); err != nil {
		return fmt.Errorf("record: finalizing trace: %w", err)
	}
	log.Printf("record: wrote trace to %s", outfile)

	if waitErr != nil {
		os.Exit(1)
	}
	return nil
}

// runChild instruments the guest module, runs it to completion under
// wazero with the record-time host-call surface wired in, and appends
// every traced op to the sink the parent already assigned.
func runChild(ctx context.Context, guestPath string, argv []string, scheme string, instArgs []string, instfile string, verbose int) error {
	contents, err := os.ReadFile(guestPath)
	if err != nil {
		return fmt.Errorf("record: reading guest module: %w", err)
	}

	instrumented, err := instrument.Module(contents, instrument.Routine(scheme), instrument.Args{Generic: instArgs})
	if err != nil {
		return fmt.Errorf("record: instrumenting guest module: %w", err)
	}
	if instfile != "" {
		if err := os.WriteFile(instfile, instrumented, 0o644); err != nil {
			return fmt.Errorf("record: writing instrumented module: %w", err)
		}
	}

	s, err := sink.Global()
	if err != nil {
		return fmt.Errorf("record: opening trace sink: %w", err)
	}
	defer s.Close()

	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	host := &recordhost.Host{Sink: s, Reg: hostabi.NewRegistry(), Verbose: verbose > 0}
	if err := host.Instantiate(ctx, rt); err != nil {
		return fmt.Errorf("record: registering host module: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, instrumented)
	if err != nil {
		return fmt.Errorf("record: compiling instrumented module: %w", err)
	}

	config := wazero.NewModuleConfig().
		WithArgs(append([]string{guestPath}, argv...)...).
		WithStdin(os.Stdin).WithStdout(os.Stdout).WithStderr(os.Stderr)

	if _, err := rt.InstantiateModule(ctx, compiled, config); err != nil {
		return fmt.Errorf("record: executing guest module: %w", err)
	}
	return nil
}
