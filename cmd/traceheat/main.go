// Command traceheat renders a memory-access heatmap PNG from a recorded
// .r3 trace: per-thread rows, address buckets as columns, cell intensity
// a log-scaled function of total bytes touched. It is the trace-file analogue of
// cmd/memheat, which draws the same kind of heatmap from a perf.data
// memory-latency profile; here the input is a deterministic execution
// trace instead of a sampled profile, so every Access/SyncAccess op
// contributes, not just a sampled subset.
package main

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log"
	"math"
	"os"
	"sort"

	gmscale "github.com/aclements/go-moremath/scale"
	"github.com/golang/freetype"
	"github.com/spf13/cobra"

	"github.com/arjunr2/wasm-r3/scale"
	"github.com/arjunr2/wasm-r3/trace"
)

const (
	buckets     = 128
	cellWidth   = 6
	cellHeight  = 16
	marginLeft  = 140
	marginTop   = 40
	marginRight = 20
	fontFile    = "/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf"
	fontSize    = 11
)

func main() {
	var tracefile string
	var outfile string
	var fontPath string

	cmd := &cobra.Command{
		Use:   "traceheat",
		Short: "Render a memory-access heatmap PNG from a recorded trace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(tracefile, outfile, fontPath)
		},
	}
	cmd.Flags().StringVarP(&tracefile, "input", "i", "trace.r3", "read trace from this file")
	cmd.Flags().StringVarP(&outfile, "outfile", "o", "accesses.png", "write heatmap PNG to this file")
	cmd.Flags().StringVar(&fontPath, "font", fontFile, "TrueType font for axis labels")

	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(tracefile, outfile, fontPath string) error {
	tracebin, err := os.ReadFile(tracefile)
	if err != nil {
		return fmt.Errorf("traceheat: reading %s: %w", tracefile, err)
	}
	data, err := trace.Deserialize(tracebin, nil)
	if err != nil {
		return fmt.Errorf("traceheat: %w", err)
	}

	rows, addrScale, maxWeight := bucketAccesses(data.Trace)
	if len(rows) == 0 {
		return fmt.Errorf("traceheat: trace contains no Access or SyncAccess ops")
	}

	if err := render(rows, addrScale, maxWeight, outfile, fontPath); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "traceheat: wrote %s (%d threads, %d buckets)\n", outfile, len(rows), buckets)

	mean, stddev := sizeStats(data.Trace)
	fmt.Fprintf(os.Stderr, "traceheat: access size mean=%.1f stddev=%.1f bytes\n", mean, stddev)
	return nil
}

// sizeStats returns the mean and population standard deviation of every
// Access/SyncAccess op's size, taken over all threads together.
func sizeStats(ops []trace.Op) (mean, stddev float64) {
	var sizes []float64
	for _, op := range ops {
		switch o := op.(type) {
		case trace.Access:
			sizes = append(sizes, float64(o.Size))
		case trace.SyncAccess:
			sizes = append(sizes, float64(o.Size))
		}
	}
	if len(sizes) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range sizes {
		sum += s
	}
	mean = sum / float64(len(sizes))
	var variance float64
	for _, s := range sizes {
		d := s - mean
		variance += d * d
	}
	variance /= float64(len(sizes))
	return mean, math.Sqrt(variance)
}

// row is one thread's access histogram: histogram[b] is the total number
// of bytes accessed by addresses falling in log-scaled address bucket b.
type row struct {
	tid       uint64
	histogram []int
}

// bucketAccesses aggregates every Access/SyncAccess op's address and size
// into a per-thread, log-scaled address histogram, following cmd/memheat's
// weight-into-log-bucket approach (there applied to load latency, here to
// touched address).
func bucketAccesses(ops []trace.Op) ([]row, *scale.Log, int) {
	var addrs []float64
	byTID := map[uint64][]trace.Op{}

	collect := func(tid uint64, addr int32, size uint32) {
		a := float64(addr)
		if a < 1 {
			a = 1
		}
		addrs = append(addrs, a)
	}

	for _, op := range ops {
		switch o := op.(type) {
		case trace.Access:
			byTID[o.TID] = append(byTID[o.TID], op)
			collect(o.TID, o.Addr, o.Size)
		case trace.SyncAccess:
			byTID[o.TID] = append(byTID[o.TID], op)
			collect(o.TID, o.Addr, o.Size)
		}
	}
	if len(addrs) == 0 {
		return nil, nil, 0
	}

	addrScale := scale.NewLog(addrs, 2)
	addrScale.Nice(5)

	tids := make([]uint64, 0, len(byTID))
	for tid := range byTID {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })

	maxWeight := 0
	rows := make([]row, 0, len(tids))
	for _, tid := range tids {
		hist := make([]int, buckets)
		for _, op := range byTID[tid] {
			var addr int32
			var size uint32
			switch o := op.(type) {
			case trace.Access:
				addr, size = o.Addr, o.Size
			case trace.SyncAccess:
				addr, size = o.Addr, o.Size
			}
			a := float64(addr)
			if a < 1 {
				a = 1
			}
			b := int(addrScale.Of(a) * float64(buckets-1))
			if b < 0 {
				b = 0
			} else if b >= buckets {
				b = buckets - 1
			}
			hist[b] += int(size)
			if hist[b] > maxWeight {
				maxWeight = hist[b]
			}
		}
		rows = append(rows, row{tid: tid, histogram: hist})
	}
	return rows, addrScale, maxWeight
}

// render draws the heatmap grid plus axis labels to outputPath. The grid
// geometry is cmd/memheat's cell-per-bucket layout; the PNG-with-freetype
// labeling is cmd/memanim's rendering approach, since unlike memheat (SVG
// to stdout) this tool is meant to produce a single standalone image file.
func render(rows []row, addrScale *scale.Log, maxWeight int, outputPath, fontPath string) error {
	width := marginLeft + buckets*cellWidth + marginRight
	height := marginTop + len(rows)*cellHeight

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Over)

	// A 0..1 brightness scale over observed weights, exercising
	// go-moremath's scale package exactly as cmd/memlat does for its
	// latency scale: NewLog plus Nice, then Map to normalize.
	wscale, err := gmscale.NewLog(1, float64(maxWeight+1), 10)
	if err != nil {
		return fmt.Errorf("traceheat: building weight scale: %w", err)
	}
	wscale.Nice(gmscale.TickOptions{Max: 5})

	for r, rw := range rows {
		y0 := marginTop + r*cellHeight
		for b, weight := range rw.histogram {
			if weight == 0 {
				continue
			}
			x0 := marginLeft + b*cellWidth
			intensity := wscale.Map(float64(weight))
			c := heatColor(intensity)
			drawRect(img, x0, y0, cellWidth, cellHeight, c)
		}
	}

	fontData, err := os.ReadFile(fontPath)
	if err != nil {
		return fmt.Errorf("traceheat: loading font: %w", err)
	}
	font, err := freetype.ParseFont(fontData)
	if err != nil {
		return fmt.Errorf("traceheat: parsing font: %w", err)
	}

	ctx := freetype.NewContext()
	ctx.SetFontSize(fontSize)
	ctx.SetSrc(image.Black)
	ctx.SetFont(font)
	ctx.SetDst(img)
	ctx.SetClip(img.Bounds())

	for r, rw := range rows {
		y := marginTop + r*cellHeight + cellHeight - 4
		if _, err := ctx.DrawString(fmt.Sprintf("tid %d", rw.tid), freetype.Pt(4, y)); err != nil {
			return fmt.Errorf("traceheat: drawing row label: %w", err)
		}
	}
	major, _ := addrScale.Ticks(5)
	for _, tick := range major {
		x := marginLeft + int(addrScale.Of(tick)*float64(buckets-1))*cellWidth
		if _, err := ctx.DrawString(fmt.Sprintf("%#x", int64(tick)), freetype.Pt(x, marginTop-6)); err != nil {
			return fmt.Errorf("traceheat: drawing tick label: %w", err)
		}
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("traceheat: creating %s: %w", outputPath, err)
	}
	defer out.Close()
	return png.Encode(out, img)
}

func drawRect(img *image.NRGBA, x0, y0, w, h int, c color.Color) {
	draw.Draw(img, image.Rect(x0, y0, x0+w, y0+h), &image.Uniform{C: c}, image.Point{}, draw.Src)
}

// heatColor maps a 0..1 intensity to a white-to-red gradient.
func heatColor(intensity float64) color.NRGBA {
	if intensity < 0 {
		intensity = 0
	} else if intensity > 1 {
		intensity = 1
	}
	g := uint8(255 * (1 - intensity))
	return color.NRGBA{R: 255, G: g, B: g, A: 255}
}
