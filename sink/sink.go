// Package sink implements the record-time trace sink: a disk-backed,
// concurrently-appended intermediate store for TraceOps that is later
// drained and finalized into a single TraceData file (spec.md §4.2).
package sink

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/arjunr2/wasm-r3/trace"
)

// PathEnvVar carries the sink's intermediate-file path across the
// record process's re-exec boundary, so the instrumented child observes
// the same path its parent will later finalize. The sink must be
// assigned a path before that re-exec, never lazily inside the child,
// or parent and child could disagree on where the trace lives.
const PathEnvVar = "WASMR3_SINK_PATH"

// NewPath returns a fresh intermediate-file path in dir, named with a
// random UUID so concurrent record runs never collide.
func NewPath(dir string) string {
	return filepath.Join(dir, "wasm-r3-"+uuid.NewString()+".sink")
}

// Sink is a mutex-guarded append-only writer over a single intermediate
// file. Append is atomic with respect to other appenders: one lock, one
// encode, nothing else runs between them.
type Sink struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

// Open creates (truncating any existing content at) the intermediate
// file at path and returns a Sink ready for concurrent Append calls.
func Open(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: open %s: %w", path, err)
	}
	return &Sink{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Path returns the sink's intermediate-file path.
func (s *Sink) Path() string {
	return s.path
}

// Append encodes op and writes it to the intermediate file under the
// sink's lock: one lock, one encode, one flush, matching the record-time
// sink contract of spec.md §4.2.
func (s *Sink) Append(op trace.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := trace.EncodeOp(s.w, op); err != nil {
		return fmt.Errorf("sink: append: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("sink: append: flush: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file without finalizing it.
// Callers that intend to finalize should use Finalize instead, which
// closes the write side itself before re-reading the file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Close()
}

// Finalize drains the intermediate file by decoding one TraceOp at a
// time until EOF, packages the result into a TraceData carrying
// guestSHA256, serializes it to outputPath, and unlinks the
// intermediate file. Before writing the output it re-deserializes the
// serialized bytes and compares them against the in-memory TraceData, so
// an encoding that does not round-trip is caught here rather than
// surfacing at replay time.
func (s *Sink) Finalize(outputPath, guestSHA256 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("sink: finalize: flushing intermediate file: %w", err)
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("sink: finalize: closing intermediate file: %w", err)
	}
	return FinalizeFile(s.path, outputPath, guestSHA256)
}

// FinalizeFile performs the same drain-aggregate-serialize-unlink
// sequence as (*Sink).Finalize, but against an intermediate file whose
// writer has already been closed by another process — the shape needed
// by the record CLI's parent, which never holds the child's write-side
// Sink itself (spec.md §5, "the parent waits and, after child exit,
// drains and finalizes").
func FinalizeFile(intermediatePath, outputPath, guestSHA256 string) error {
	rf, err := os.Open(intermediatePath)
	if err != nil {
		return fmt.Errorf("sink: finalize: reopening intermediate file: %w", err)
	}
	defer rf.Close()

	var ops []trace.Op
	dec := trace.NewOpDecoder(rf)
	for {
		op, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("sink: finalize: decoding intermediate file: %w", err)
		}
		ops = append(ops, op)
	}

	d := trace.Data{SHA256: guestSHA256, Trace: ops}
	serialized, err := d.Serialize()
	if err != nil {
		return fmt.Errorf("sink: finalize: serializing trace: %w", err)
	}

	roundTripped, err := trace.Deserialize(serialized, &guestSHA256)
	if err != nil {
		return fmt.Errorf("sink: finalize: round-trip assertion failed: %w", err)
	}
	if !roundTripped.Equal(d) {
		return fmt.Errorf("sink: finalize: round-trip assertion failed: decoded trace does not match written trace")
	}

	if err := os.WriteFile(outputPath, serialized, 0o644); err != nil {
		return fmt.Errorf("sink: finalize: writing output %s: %w", outputPath, err)
	}
	if err := os.Remove(intermediatePath); err != nil {
		return fmt.Errorf("sink: finalize: removing intermediate file %s: %w", intermediatePath, err)
	}
	return nil
}

var (
	globalOnce sync.Once
	global     *Sink
	globalErr  error
)

// Global returns the process-wide sink, opening it lazily at the path
// named by PathEnvVar. It is intended for use inside the instrumented
// child process after re-exec, where the parent has already chosen and
// exported the path; callers that own path selection should call Open
// directly and export PathEnvVar for any child they spawn.
func Global() (*Sink, error) {
	globalOnce.Do(func() {
		path := os.Getenv(PathEnvVar)
		if path == "" {
			globalErr = fmt.Errorf("sink: %s not set; the sink must be assigned a path before use", PathEnvVar)
			return
		}
		global, globalErr = Open(path)
	})
	return global, globalErr
}
