package mosaic

import (
	"fmt"
	"math"

	"github.com/pspoerri/rastermosaic/internal/raster"
)

// BlockSpec is a rectangle of pixels, in whichever pixel coordinate system it
// was constructed for (the output grid, or one input's grid). It is
// value-comparable so it can key maps directly.
type BlockSpec struct {
	Top   int
	Left  int
	XSize int
	YSize int
}

func (b BlockSpec) String() string {
	return fmt.Sprintf("%d %d %d %d", b.Top, b.Left, b.XSize, b.YSize)
}

// BlockReadTask is one unit of reader work: read InBlock from Filename and
// deliver it as the contribution to output block OutBlock. InBlock always has
// the same size as OutBlock; it may have a negative origin or extend past the
// input's edge, in which case the uncovered region is null-padded.
type BlockReadTask struct {
	OutBlock BlockSpec
	Filename string
	InBlock  BlockSpec
}

// Plan is everything the readers and the writer need for one mosaic run.
// It is immutable once built.
type Plan struct {
	// Blocks tiles the output grid in row-major order. The writer commits
	// blocks in exactly this order.
	Blocks []BlockSpec
	// FilesForBlock lists, for each output block that intersects at least
	// one input, its contributors in input-file order. That order is the
	// merge precedence.
	FilesForBlock map[BlockSpec][]string
	// Shards partitions all read tasks round-robin among the reader workers.
	Shards [][]BlockReadTask
}

// NumTasks returns the total number of read tasks across all shards.
func (p *Plan) NumTasks() int {
	n := 0
	for _, s := range p.Shards {
		n += len(s)
	}
	return n
}

// TileOutputGrid divides an nrows x ncols grid into square blocks of the
// given size, row-major. A remainder strip at the right or bottom edge
// narrower than a quarter block is folded into the preceding block, so no
// sliver blocks are produced.
func TileOutputGrid(nrows, ncols, blocksize int) []BlockSpec {
	var blocks []BlockSpec
	top := 0
	for top < nrows {
		ysize := min(blocksize, nrows-top)
		if nrows-(top+ysize) < blocksize/4 {
			ysize = nrows - top
		}
		left := 0
		for left < ncols {
			xsize := min(blocksize, ncols-left)
			if ncols-(left+xsize) < blocksize/4 {
				xsize = ncols - left
			}
			blocks = append(blocks, BlockSpec{Top: top, Left: left, XSize: xsize, YSize: ysize})
			left += xsize
		}
		top += ysize
	}
	return blocks
}

// toFilePixelCoords transforms the block's outer corners through the output
// geotransform into world coordinates, then through the input's inverse
// geotransform into that input's pixel coordinates, rounded to the nearest
// pixel. Returns (left, top, right, bottom) in the input's grid.
func (b BlockSpec) toFilePixelCoords(outGT, invInGT [6]float64) (left, top, right, bottom int) {
	xLeft, yTop := raster.ApplyGeoTransform(outGT, float64(b.Left), float64(b.Top))
	xRight, yBottom := raster.ApplyGeoTransform(outGT,
		float64(b.Left+b.XSize), float64(b.Top+b.YSize))

	fLeft, fTop := raster.ApplyGeoTransform(invInGT, xLeft, yTop)
	fRight, fBottom := raster.ApplyGeoTransform(invInGT, xRight, yBottom)

	return int(math.Round(fLeft)), int(math.Round(fTop)),
		int(math.Round(fRight)), int(math.Round(fBottom))
}

// PlanBlocks builds the complete mosaic plan: the output tiling, the
// per-block contributor lists, and the per-worker task shards.
//
// Contributor order within a block follows filelist order, and the flat task
// list preserves per-block order before sharding, so the stride partition
// spreads each input file across workers while keeping merge precedence
// fully determined by the plan.
func PlanBlocks(out *raster.ImageInfo, blocksize int, filelist []string,
	infos map[string]*raster.ImageInfo, numthreads int) (*Plan, error) {

	blocks := TileOutputGrid(out.NRows, out.NCols, blocksize)

	invGTs := make(map[string][6]float64, len(filelist))
	for _, fn := range filelist {
		inv, err := raster.InvGeoTransform(infos[fn].Transform)
		if err != nil {
			return nil, fmt.Errorf("planning %s: %w", fn, err)
		}
		invGTs[fn] = inv
	}

	filesForBlock := make(map[BlockSpec][]string)
	var tasks []BlockReadTask
	for _, block := range blocks {
		for _, fn := range filelist {
			info := infos[fn]
			fLeft, fTop, fRight, fBottom := block.toFilePixelCoords(out.Transform, invGTs[fn])
			intersects := fRight+1 >= 0 && fBottom+1 >= 0 &&
				fLeft <= info.NCols && fTop <= info.NRows
			if !intersects {
				continue
			}
			inblock := BlockSpec{
				Top:   fTop,
				Left:  fLeft,
				XSize: fRight - fLeft,
				YSize: fBottom - fTop,
			}
			tasks = append(tasks, BlockReadTask{
				OutBlock: block,
				Filename: fn,
				InBlock:  inblock,
			})
			filesForBlock[block] = append(filesForBlock[block], fn)
		}
	}

	plan := &Plan{
		Blocks:        blocks,
		FilesForBlock: filesForBlock,
		Shards:        partitionTasks(tasks, numthreads),
	}
	return plan, nil
}

// partitionTasks distributes tasks among n workers by stride, so consecutive
// tasks (which tend to hit the same input file) land on different workers.
func partitionTasks(tasks []BlockReadTask, n int) [][]BlockReadTask {
	shards := make([][]BlockReadTask, n)
	for i := 0; i < n; i++ {
		for j := i; j < len(tasks); j += n {
			shards[i] = append(shards[i], tasks[j])
		}
	}
	return shards
}
