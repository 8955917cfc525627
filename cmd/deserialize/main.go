// Command deserialize is a diagnostic: it dumps a .r3 trace file to a
// human-readable text file, one line per TraceOp, without checking the
// digest (spec.md §6, §9; original_source's record/src/deserialize.rs).
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/arjunr2/wasm-r3/trace"
)

func main() {
	var outfile string

	cmd := &cobra.Command{
		Use:   "deserialize trace.r3",
		Short: "Dump a trace file to human-readable text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], outfile)
		},
	}
	cmd.Flags().StringVarP(&outfile, "outfile", "o", "", "output text path (defaults to stdout)")

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(tracefile, outfile string) error {
	tracebin, err := os.ReadFile(tracefile)
	if err != nil {
		return fmt.Errorf("deserialize: reading %s: %w", tracefile, err)
	}
	data, err := trace.Deserialize(tracebin, nil)
	if err != nil {
		return fmt.Errorf("deserialize: %w", err)
	}

	out := os.Stdout
	if outfile != "" {
		f, err := os.Create(outfile)
		if err != nil {
			return fmt.Errorf("deserialize: creating %s: %w", outfile, err)
		}
		defer f.Close()
		out = f
	}

	fmt.Fprintf(out, "sha256: %s\n", data.SHA256)
	for _, op := range data.Trace {
		fmt.Fprintln(out, op)
	}
	return nil
}
