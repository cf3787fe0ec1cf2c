package mosaic

import (
	"fmt"

	"github.com/airbusgeo/godal"
)

// PyramidWriter streams overview pixels for one output band as each block is
// written, so no separate overview pass over the finished mosaic is needed.
// Aggregation is nearest-neighbour: level L keeps every L-th pixel starting
// at offset L/2.
type PyramidWriter struct {
	levels  []int
	ovBands []godal.Band
}

// NewPyramidWriter pairs the overview bands seeded on the output dataset
// with their levels. The overview bands are created by BuildOverviews in the
// same order as the level list.
func NewPyramidWriter(band godal.Band, levels []int) *PyramidWriter {
	ovs := band.Overviews()
	n := min(len(levels), len(ovs))
	return &PyramidWriter{levels: levels[:n], ovBands: ovs[:n]}
}

// WriteBlock sub-samples the freshly written block into every overview
// level. (left, top) is the block's position in the full-resolution grid.
func (pw *PyramidWriter) WriteBlock(buf *PixelBuf, left, top int) error {
	for j, lvl := range pw.levels {
		ov := pw.ovBands[j]
		st := ov.Structure()
		xOff := left / lvl
		yOff := top / lvl
		sub := buf.Subsample(lvl, st.SizeX-xOff, st.SizeY-yOff)
		if sub == nil {
			continue
		}
		if err := ov.Write(xOff, yOff, sub.Data(), sub.XSize(), sub.YSize()); err != nil {
			return fmt.Errorf("overview level %d at (%d,%d): %w", lvl, xOff, yOff, err)
		}
	}
	return nil
}
