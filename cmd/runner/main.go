// Command runner executes a replay module produced by replay-build: a
// guest whose calls and memory stores were rewritten to reproduce a
// previously recorded execution deterministically.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/tetratelabs/wazero"

	"github.com/arjunr2/wasm-r3/hostabi"
	"github.com/arjunr2/wasm-r3/replayhost"
)

func main() {
	var verbose int

	cmd := &cobra.Command{
		Use:   "runner -- replay.wasm [argv...]",
		Short: "Run a replay module",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], args[1:], verbose)
		},
	}
	cmd.Flags().IntVarP(&verbose, "verbose", "v", 0, "log level")

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, replayPath string, argv []string, verbose int) error {
	contents, err := os.ReadFile(replayPath)
	if err != nil {
		return fmt.Errorf("runner: reading replay module: %w", err)
	}

	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	host := &replayhost.Host{Reg: hostabi.NewRegistry()}
	if err := host.Instantiate(ctx, rt); err != nil {
		return fmt.Errorf("runner: registering host module: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, contents)
	if err != nil {
		return fmt.Errorf("runner: compiling replay module: %w", err)
	}

	config := wazero.NewModuleConfig().
		WithArgs(append([]string{replayPath}, argv...)...).
		WithStdin(os.Stdin).WithStdout(os.Stdout).WithStderr(os.Stderr)

	if _, err := rt.InstantiateModule(ctx, compiled, config); err != nil {
		return fmt.Errorf("runner: executing replay module: %w", err)
	}
	return nil
}
