package mosaic

import (
	"context"
	"fmt"

	"github.com/airbusgeo/godal"

	"github.com/pspoerri/rastermosaic/internal/raster"
)

// readResult is one decoded block travelling from a reader to the writer.
type readResult struct {
	task BlockReadTask
	buf  *PixelBuf
}

// handleCache keeps one open dataset per input file for a single reader
// worker. Handles are opened lazily and closed as soon as the worker has
// read its last block from the file. Handles are never shared between
// goroutines; the backend only guarantees per-handle single-threaded use.
type handleCache struct {
	bandNum int
	handles map[string]*godal.Dataset
}

func newHandleCache(bandNum int) *handleCache {
	return &handleCache{bandNum: bandNum, handles: make(map[string]*godal.Dataset)}
}

// band returns the worker's band of the given file, opening the dataset on
// first use.
func (hc *handleCache) band(filename string) (*godal.Dataset, godal.Band, error) {
	ds, ok := hc.handles[filename]
	if !ok {
		var err error
		ds, err = godal.Open(filename)
		if err != nil {
			return nil, godal.Band{}, &raster.BackendOpenError{Path: filename, Err: err}
		}
		hc.handles[filename] = ds
	}
	return ds, ds.Bands()[hc.bandNum-1], nil
}

func (hc *handleCache) close(filename string) {
	if ds, ok := hc.handles[filename]; ok {
		ds.Close()
		delete(hc.handles, filename)
	}
}

func (hc *handleCache) closeAll() {
	for fn, ds := range hc.handles {
		ds.Close()
		delete(hc.handles, fn)
	}
}

// readWorker processes one shard of read tasks for one band: read the
// clipped window, pad it to the full block with the output null value, and
// hand the block to the writer via the queue. The worker stops early when
// the context is cancelled (a sibling failed, or the writer gave up).
func readWorker(ctx context.Context, tasks []BlockReadTask, bandNum int,
	out *raster.ImageInfo, queue chan<- readResult) error {

	pending := newBlocksByFile(tasks)
	handles := newHandleCache(bandNum)
	defer handles.closeAll()

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}

		buf, err := readPaddedBlock(handles, task, out)
		if err != nil {
			return err
		}

		select {
		case queue <- readResult{task: task, buf: buf}:
		case <-ctx.Done():
			return ctx.Err()
		}

		if pending.done(task.Filename, task.OutBlock) == 0 {
			handles.close(task.Filename)
		}
	}
	return nil
}

// readPaddedBlock reads the part of the task's window that lies inside the
// input, and pastes it into a null-filled buffer of the full block size.
// Blocks are always read in the output band's data type; the backend
// converts on the fly.
func readPaddedBlock(handles *handleCache, task BlockReadTask, out *raster.ImageInfo) (*PixelBuf, error) {
	ds, band, err := handles.band(task.Filename)
	if err != nil {
		return nil, err
	}
	st := ds.Structure()

	in := task.InBlock
	left1 := max(in.Left, 0)
	top1 := max(in.Top, 0)
	right1 := min(in.Left+in.XSize, st.SizeX)
	bottom1 := min(in.Top+in.YSize, st.SizeY)
	xsize1 := right1 - left1
	ysize1 := bottom1 - top1

	full, err := NewPixelBuf(out.DataType, in.XSize, in.YSize)
	if err != nil {
		return nil, err
	}
	if out.HasNull {
		full.Fill(out.NullVal)
	}
	if xsize1 <= 0 || ysize1 <= 0 {
		// The rounded window only brushes the input's edge; there is
		// nothing to read and the block stays all null.
		return full, nil
	}

	clipped, err := NewPixelBuf(out.DataType, xsize1, ysize1)
	if err != nil {
		return nil, err
	}
	if err := band.Read(left1, top1, clipped.Data(), xsize1, ysize1); err != nil {
		return nil, &raster.BackendReadError{Path: task.Filename, Err: fmt.Errorf("block %s: %w", in, err)}
	}
	if err := full.Paste(clipped, max(0, -in.Left), max(0, -in.Top)); err != nil {
		return nil, err
	}
	return full, nil
}
