package mosaic

import (
	"fmt"
	"os"
	"time"
)

// progressBar prints an in-place stderr line as output blocks are committed.
// Only the writer reports progress, and it runs one band at a time on a
// single goroutine, so there is no locking and no refresh goroutine: each
// Increment redraws at most once per redrawEvery.
type progressBar struct {
	label    string
	total    int
	done     int
	start    time.Time
	lastDraw time.Time
}

const redrawEvery = 200 * time.Millisecond

func newProgressBar(label string, total int) *progressBar {
	pb := &progressBar{label: label, total: total, start: time.Now()}
	pb.draw()
	return pb
}

// Increment marks one more block as written.
func (pb *progressBar) Increment() {
	pb.done++
	if pb.done < pb.total && time.Since(pb.lastDraw) < redrawEvery {
		return
	}
	pb.draw()
}

// Finish prints the final state with a newline.
func (pb *progressBar) Finish() {
	pb.draw()
	fmt.Fprint(os.Stderr, "\n")
}

func (pb *progressBar) draw() {
	pb.lastDraw = time.Now()
	frac := 1.0
	if pb.total > 0 {
		frac = float64(pb.done) / float64(pb.total)
	}
	fmt.Fprintf(os.Stderr, "\r%s %3.0f%%  %d/%d blocks  %s\033[K",
		pb.label, frac*100, pb.done, pb.total,
		time.Since(pb.start).Truncate(time.Second))
}
