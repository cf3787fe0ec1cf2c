package mosaic

import (
	"context"
	"fmt"
	"strconv"

	"github.com/airbusgeo/godal"

	"github.com/pspoerri/rastermosaic/internal/monitor"
	"github.com/pspoerri/rastermosaic/internal/raster"
)

// writeBand assembles and writes every output block of one band, in
// row-major plan order, consuming reader blocks from the queue.
//
// Each iteration first drains whatever the readers have queued, then
// attempts the current block. A block with no contributors is synthesized
// as all-null. Otherwise the block is committed once every contributor is
// cached: contributors are merged in plan order (last non-null wins), the
// merged block is written, streamed into the overview pyramid and the stats
// accumulator, and its cache entries dropped. Only when the current block is
// still incomplete and the queue empty does the writer block, waiting for
// the next arrival or for a reader to fail.
func writeBand(gctx context.Context, queue <-chan readResult, band godal.Band,
	outfile string, out *raster.ImageInfo, plan *Plan, stats *StatsAccumulator,
	pyr *PyramidWriter, mon *monitor.Monitor, prog *progressBar) error {

	cache := NewBlockCache()
	i := 0
	for i < len(plan.Blocks) {
		// A failed reader aborts the band immediately.
		select {
		case <-gctx.Done():
			return gctx.Err()
		default:
		}

		// Drain without blocking.
	drain:
		for {
			select {
			case r := <-queue:
				cache.Add(r.task.Filename, r.task.OutBlock, r.buf)
			default:
				break drain
			}
		}

		// Commit as many consecutive blocks as the cache allows.
		wrote := false
		for i < len(plan.Blocks) {
			outblock := plan.Blocks[i]
			merged, err := assembleBlock(cache, outblock, plan.FilesForBlock[outblock], out)
			if err != nil {
				return err
			}
			if merged == nil {
				break // some contributor still in flight
			}
			if err := band.Write(outblock.Left, outblock.Top, merged.Data(),
				merged.XSize(), merged.YSize()); err != nil {
				return &raster.BackendWriteError{Path: outfile,
					Err: fmt.Errorf("block %s: %w", outblock, err)}
			}
			if pyr != nil {
				if err := pyr.WriteBlock(merged, outblock.Left, outblock.Top); err != nil {
					return &raster.BackendWriteError{Path: outfile, Err: err}
				}
			}
			stats.Update(merged)
			for _, fn := range plan.FilesForBlock[outblock] {
				cache.Remove(fn, outblock)
			}
			i++
			wrote = true
			if prog != nil {
				prog.Increment()
			}
		}

		mon.BlockCacheSize.Update(cache.Len())
		mon.BlockQueueSize.Update(len(queue))

		if i >= len(plan.Blocks) || wrote {
			continue
		}

		// The current block is incomplete and nothing was queued: wait
		// for the next delivery rather than spinning.
		select {
		case r := <-queue:
			cache.Add(r.task.Filename, r.task.OutBlock, r.buf)
		case <-gctx.Done():
			return gctx.Err()
		}
	}

	if out.HasNull {
		if err := band.SetNoData(out.NullVal); err != nil {
			return fmt.Errorf("setting output nodata: %w", err)
		}
	}
	writeBandStats(band, stats)
	return nil
}

// assembleBlock merges the contributors of one output block, in plan order.
// Returns nil when a contributor has not arrived yet. A block with no
// contributors at all is synthesized as all-null. The first contributor is
// used as-is (its null pixels included); later contributors overwrite
// wherever they are non-null.
func assembleBlock(cache *BlockCache, outblock BlockSpec, files []string,
	out *raster.ImageInfo) (*PixelBuf, error) {

	if len(files) == 0 {
		buf, err := NewPixelBuf(out.DataType, outblock.XSize, outblock.YSize)
		if err != nil {
			return nil, err
		}
		if out.HasNull {
			buf.Fill(out.NullVal)
		}
		return buf, nil
	}

	contribs := make([]*PixelBuf, len(files))
	for k, fn := range files {
		buf := cache.Get(fn, outblock)
		if buf == nil {
			return nil, nil
		}
		if buf.XSize() != outblock.XSize || buf.YSize() != outblock.YSize {
			return nil, &BlockShapeMismatchError{
				Block: outblock,
				Files: files,
				Want:  [2]int{outblock.XSize, outblock.YSize},
				Got:   [2]int{buf.XSize(), buf.YSize()},
			}
		}
		contribs[k] = buf
	}

	// The first contributor's buffer is merged into in place; it is about
	// to be dropped from the cache anyway.
	merged := contribs[0]
	for _, c := range contribs[1:] {
		if err := merged.MergeFrom(c, out.NullVal, out.HasNull); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// writeBandStats publishes the accumulated statistics as band metadata, in
// the same keys a full statistics pass would set. Nothing is written when no
// valid pixel was seen.
func writeBandStats(band godal.Band, stats *StatsAccumulator) {
	minval, maxval, mean, stddev, count := stats.Final()
	if count == 0 {
		return
	}
	_ = band.SetMetadata("STATISTICS_MINIMUM", formatStat(minval))
	_ = band.SetMetadata("STATISTICS_MAXIMUM", formatStat(maxval))
	_ = band.SetMetadata("STATISTICS_MEAN", formatStat(mean))
	_ = band.SetMetadata("STATISTICS_STDDEV", formatStat(stddev))
}

func formatStat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
