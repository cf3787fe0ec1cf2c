package mosaic

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/airbusgeo/godal"
	"golang.org/x/sync/errgroup"

	"github.com/pspoerri/rastermosaic/internal/monitor"
	"github.com/pspoerri/rastermosaic/internal/raster"
	"github.com/pspoerri/rastermosaic/internal/reproj"
)

// Defaults for the mosaic options.
const (
	DefaultNumThreads     = 4
	DefaultBlockSize      = 1024
	DefaultDriver         = "GTiff"
	DefaultResampleMethod = "near"
)

// overviewFinalSize stops the overview pyramid once the largest dimension of
// a level would drop below this many pixels.
const overviewFinalSize = 1024

// defaultCreationOptions are applied per driver when the caller gives none.
var defaultCreationOptions = map[string][]string{
	"GTiff": {"COMPRESS=DEFLATE", "TILED=YES", "BIGTIFF=IF_SAFER", "INTERLEAVE=BAND"},
	"KEA":   {},
	"HFA":   {"COMPRESS=YES", "IGNORE_UTM=TRUE"},
}

// Options configures a mosaic run. The zero value of each field selects its
// default.
type Options struct {
	// NumThreads is the number of reader workers per band.
	NumThreads int
	// BlockSize is the square block edge in pixels.
	BlockSize int
	// Driver is the GDAL short name of the output format.
	Driver string
	// NullVal overrides the no-data value; nil inherits the first input's.
	NullVal *float64
	// CreationOptions are "KEY=VALUE" strings for the output driver. When
	// nil, per-driver defaults apply.
	CreationOptions []string
	// Output projection, in any one form. Setting one triggers warped-VRT
	// preprocessing of every input.
	OutProjEPSG    int
	OutProjWKTFile string
	OutProjWKT     string
	// Target pixel size for reprojection. Used only when both are non-zero;
	// otherwise both are taken from the first input when units are
	// compatible.
	XRes float64
	YRes float64
	// ResampleMethod is the GDAL resampling name used for reprojection.
	ResampleMethod string
	// Verbose enables diagnostic logging.
	Verbose bool
	// ShowProgress renders a progress bar on stderr.
	ShowProgress bool
}

func (o Options) withDefaults() Options {
	if o.NumThreads < 1 {
		o.NumThreads = DefaultNumThreads
	}
	if o.BlockSize < 1 {
		o.BlockSize = DefaultBlockSize
	}
	if o.Driver == "" {
		o.Driver = DefaultDriver
	}
	if o.ResampleMethod == "" {
		o.ResampleMethod = DefaultResampleMethod
	}
	return o
}

// DoMosaic composites the listed input rasters into a single output raster.
// Inputs must share a pixel grid, or an output projection must be requested
// so they can be warped onto one. Later inputs take precedence over earlier
// ones wherever both have non-null pixels.
//
// The returned report carries timing and high-water-mark information for the
// run; it is non-nil only on success.
func DoMosaic(ctx context.Context, filelist []string, outfile string, opts Options) (*monitor.Report, error) {
	opts = opts.withDefaults()
	if outfile == "" {
		return nil, &ConfigError{Msg: "no output file given"}
	}
	if len(filelist) == 0 {
		return nil, &ConfigError{Msg: "no input files given"}
	}

	mon := monitor.New()
	mon.Params = monitor.Params{
		NumThreads: opts.NumThreads,
		BlockSize:  opts.BlockSize,
		CPUCount:   runtime.NumCPU(),
		NumInfiles: len(filelist),
	}

	stop := mon.Stamps.Start("imginfodict")
	infos := make(map[string]*raster.ImageInfo, len(filelist))
	for _, fn := range filelist {
		info, err := raster.OpenInfo(fn)
		if err != nil {
			return nil, err
		}
		infos[fn] = info
	}
	stop()

	stop = mon.Stamps.Start("projection")
	target := reproj.Target{
		EPSG:           opts.OutProjEPSG,
		WKTFile:        opts.OutProjWKTFile,
		WKT:            opts.OutProjWKT,
		XRes:           opts.XRes,
		YRes:           opts.YRes,
		ResampleMethod: opts.ResampleMethod,
	}
	if opts.NullVal != nil {
		target.NullVal = *opts.NullVal
		target.HasNull = true
	}
	filelist, tmpdir, err := reproj.Handle(filelist, infos, target)
	stop()
	if err != nil {
		return nil, err
	}
	if tmpdir != "" {
		defer os.RemoveAll(tmpdir)
	}

	stop = mon.Stamps.Start("analysis")
	outInfo := raster.BuildOutputGrid(filelist, infos, opts.NullVal)
	plan, err := PlanBlocks(outInfo, opts.BlockSize, filelist, infos, opts.NumThreads)
	stop()
	if err != nil {
		return nil, err
	}
	if opts.Verbose {
		log.Printf("Output grid %dx%d, %d blocks, %d read tasks",
			outInfo.NCols, outInfo.NRows, len(plan.Blocks), plan.NumTasks())
	}

	outDs, levels, err := openOutput(outfile, opts.Driver, outInfo, opts.CreationOptions)
	if err != nil {
		return nil, err
	}
	closed := false
	defer func() {
		if !closed {
			outDs.Close()
		}
	}()

	var prog *progressBar
	if opts.ShowProgress {
		prog = newProgressBar("Mosaic", outInfo.NumBands*len(plan.Blocks))
		defer func() {
			if prog != nil {
				prog.Finish()
			}
		}()
	}

	stop = mon.Stamps.Start("domosaic")
	for bandNum := 1; bandNum <= outInfo.NumBands; bandNum++ {
		if err := mosaicBand(ctx, outDs, outfile, bandNum, outInfo, plan, levels, mon, prog); err != nil {
			return nil, err
		}
	}
	stop()

	if prog != nil {
		prog.Finish()
		prog = nil
	}

	closed = true
	if err := outDs.Close(); err != nil {
		return nil, fmt.Errorf("closing %s: %w", outfile, err)
	}
	return mon.Report(), nil
}

// mosaicBand runs one band end to end: spawn the readers over their shards,
// run the writer on the calling goroutine, join the readers. Readers for the
// next band start only after this band is fully written, so readers of two
// bands never run at the same time.
func mosaicBand(ctx context.Context, outDs *godal.Dataset, outfile string, bandNum int,
	outInfo *raster.ImageInfo, plan *Plan, levels []int,
	mon *monitor.Monitor, prog *progressBar) error {

	band := outDs.Bands()[bandNum-1]
	stats := NewStatsAccumulator(outInfo.NullVal, outInfo.HasNull)
	pyr := NewPyramidWriter(band, levels)

	queue := make(chan readResult, 2*len(plan.Shards))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range plan.Shards {
		shard := shard
		g.Go(func() error {
			return readWorker(gctx, shard, bandNum, outInfo, queue)
		})
	}

	werr := writeBand(gctx, queue, band, outfile, outInfo, plan, stats, pyr, mon, prog)
	cancel()
	rerr := g.Wait()

	// A writer failure cancels the readers, and vice versa; report the
	// root cause, not the resulting context.Canceled.
	if werr != nil && !errors.Is(werr, context.Canceled) {
		return werr
	}
	if rerr != nil && !errors.Is(rerr, context.Canceled) {
		return rerr
	}
	if werr != nil {
		return werr
	}
	return rerr
}

// openOutput creates the output dataset with the grid's geometry and seeds
// the empty overview levels that the writer streams into.
func openOutput(outfile, driver string, outInfo *raster.ImageInfo,
	creationOptions []string) (*godal.Dataset, []int, error) {

	if creationOptions == nil {
		var ok bool
		creationOptions, ok = defaultCreationOptions[driver]
		if !ok {
			return nil, nil, &UnsupportedDriverError{Driver: driver}
		}
	}

	if _, err := os.Stat(outfile); err == nil {
		if err := os.Remove(outfile); err != nil {
			return nil, nil, fmt.Errorf("removing existing %s: %w", outfile, err)
		}
	}

	ds, err := godal.Create(godal.DriverName(driver), outfile, outInfo.NumBands,
		outInfo.DataType, outInfo.NCols, outInfo.NRows,
		godal.CreationOption(creationOptions...))
	if err != nil {
		return nil, nil, fmt.Errorf("creating %s: %w", outfile, err)
	}
	if err := ds.SetGeoTransform(outInfo.Transform); err != nil {
		ds.Close()
		return nil, nil, fmt.Errorf("setting geotransform on %s: %w", outfile, err)
	}
	if outInfo.Projection != "" {
		if err := ds.SetProjection(outInfo.Projection); err != nil {
			ds.Close()
			return nil, nil, fmt.Errorf("setting projection on %s: %w", outfile, err)
		}
	}

	levels := OverviewLevels(outInfo.NCols, outInfo.NRows)
	if len(levels) > 0 {
		if err := ds.BuildOverviews(godal.Levels(levels...), godal.Resampling(godal.Nearest)); err != nil {
			ds.Close()
			return nil, nil, fmt.Errorf("seeding overviews on %s: %w", outfile, err)
		}
	}
	return ds, levels, nil
}

// OverviewLevels returns the overview factors for a raster of the given
// size: powers of two starting at 4, while the reduced raster is still at
// least overviewFinalSize pixels in its largest dimension.
func OverviewLevels(ncols, nrows int) []int {
	outSize := max(ncols, nrows)
	var levels []int
	for i := 2; outSize/(1<<i) >= overviewFinalSize; i++ {
		levels = append(levels, 1<<i)
	}
	return levels
}
