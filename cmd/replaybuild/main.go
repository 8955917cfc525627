// Command replay-build turns a recorded trace and its original guest
// module into a self-contained replay module: one that reproduces every
// recorded call's return value and memory store without re-running the
// original program logic.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/arjunr2/wasm-r3/instrument"
	"github.com/arjunr2/wasm-r3/replayop"
	"github.com/arjunr2/wasm-r3/trace"
)

func main() {
	var tracefile string
	var wasmfile string
	var outfile string
	var deserializedfile string
	var replayopsfile string

	cmd := &cobra.Command{
		Use:   "replay-build",
		Short: "Build a deterministic replay module from a trace and its guest module",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(tracefile, wasmfile, outfile, deserializedfile, replayopsfile)
		},
	}

	cmd.Flags().StringVarP(&tracefile, "tracefile", "t", "trace.r3", "trace output file generated by record")
	cmd.Flags().StringVarP(&wasmfile, "wasmfile", "w", "", "original (unmodified) guest wasm file")
	cmd.Flags().StringVarP(&outfile, "outfile", "o", "replay.wasm", "output replay wasm file")
	cmd.Flags().StringVarP(&deserializedfile, "deserialized", "d", "", "dump the deserialized trace to this path")
	cmd.Flags().StringVarP(&replayopsfile, "replayops", "r", "", "dump the constructed replay operations to this path")
	cmd.MarkFlagRequired("wasmfile")

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(tracefile, wasmfile, outfile, deserializedfile, replayopsfile string) error {
	wasmbin, err := os.ReadFile(wasmfile)
	if err != nil {
		return fmt.Errorf("replay-build: reading guest module: %w", err)
	}
	digest := sha256.Sum256(wasmbin)
	hexDigest := hex.EncodeToString(digest[:])

	tracebin, err := os.ReadFile(tracefile)
	if err != nil {
		return fmt.Errorf("replay-build: reading trace: %w", err)
	}

	data, err := trace.Deserialize(tracebin, &hexDigest)
	if err != nil {
		return fmt.Errorf("replay-build: %w", err)
	}
	log.Printf("replay-build: trace digest verified against %s", wasmfile)

	if deserializedfile != "" {
		if err := dumpDeserialized(data, deserializedfile); err != nil {
			return err
		}
	}

	ops, err := replayop.Build(data.Trace)
	if err != nil {
		return fmt.Errorf("replay-build: constructing replay operations: %w", err)
	}

	debug := replayopsfile != "" || deserializedfile != ""
	if replayopsfile != "" {
		if err := dumpReplayOps(ops, replayopsfile); err != nil {
			return err
		}
	}

	batch := replayop.BuildCFFIBatch(ops)
	defer batch.Release()

	flags := int64(0)
	if debug {
		flags = instrument.DebugFlag
	}
	replayModule, err := instrument.Module(wasmbin, instrument.RoutineReplayGenerator, instrument.Args{
		AnonPtr:   batch.Ops,
		AnonLen:   batch.NumOps,
		AnonFlags: flags,
	})
	if err != nil {
		return fmt.Errorf("replay-build: generating replay module: %w", err)
	}

	if err := os.WriteFile(outfile, replayModule, 0o644); err != nil {
		return fmt.Errorf("replay-build: writing replay module: %w", err)
	}
	log.Printf("replay-build: wrote replay module to %s", outfile)
	return nil
}

func dumpDeserialized(data trace.Data, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("replay-build: creating %s: %w", path, err)
	}
	defer f.Close()
	for _, op := range data.Trace {
		if _, err := fmt.Fprintln(f, op); err != nil {
			return fmt.Errorf("replay-build: writing %s: %w", path, err)
		}
	}
	return nil
}

func dumpReplayOps(ops map[uint32]*replayop.ReplayOp, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("replay-build: creating %s: %w", path, err)
	}
	defer f.Close()

	idxs := make([]uint32, 0, len(ops))
	for idx := range ops {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	for _, idx := range idxs {
		op := ops[idx]
		for propIdx, prop := range op.Props {
			line := replayop.PropLogLine(replayop.PropLogInfo{
				AccessIdx: op.AccessIdx,
				FuncIdx:   op.FuncIdx,
				TID:       prop.TID,
				PropIdx:   uint32(propIdx),
				CallID:    prop.CallID,
				ReturnVal: prop.ReturnVal,
				SyncID:    prop.SyncID,
			})
			if _, err := fmt.Fprintln(f, line); err != nil {
				return fmt.Errorf("replay-build: writing %s: %w", path, err)
			}
		}
	}
	return nil
}
