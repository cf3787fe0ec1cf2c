package mosaic

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/airbusgeo/godal"
)

func TestMain(m *testing.M) {
	godal.RegisterAll()
	os.Exit(m.Run())
}

func TestOverviewLevels(t *testing.T) {
	tests := []struct {
		ncols, nrows int
		want         []int
	}{
		{500, 500, nil},
		{4096, 100, []int{4}},
		{10000, 5000, []int{4, 8}},
		{100000, 100, []int{4, 8, 16, 32, 64}},
	}
	for _, tt := range tests {
		got := OverviewLevels(tt.ncols, tt.nrows)
		if len(got) != len(tt.want) {
			t.Errorf("OverviewLevels(%d, %d) = %v, want %v", tt.ncols, tt.nrows, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("OverviewLevels(%d, %d) = %v, want %v", tt.ncols, tt.nrows, got, tt.want)
				break
			}
		}
	}
}

func TestDoMosaicConfigErrors(t *testing.T) {
	var cfgErr *ConfigError

	_, err := DoMosaic(context.Background(), []string{"a.tif"}, "", Options{})
	if !errors.As(err, &cfgErr) {
		t.Errorf("missing outfile: got %v, want ConfigError", err)
	}

	_, err = DoMosaic(context.Background(), nil, "out.tif", Options{})
	if !errors.As(err, &cfgErr) {
		t.Errorf("empty filelist: got %v, want ConfigError", err)
	}
}

func TestOpenOutputUnknownDriver(t *testing.T) {
	out := testOutInfo()
	_, _, err := openOutput("out.xyz", "BOGUS", out, nil)
	var drvErr *UnsupportedDriverError
	if !errors.As(err, &drvErr) {
		t.Fatalf("got %v, want UnsupportedDriverError", err)
	}
	if drvErr.Driver != "BOGUS" {
		t.Errorf("Driver = %q, want BOGUS", drvErr.Driver)
	}
}

// testProjection returns a WKT shared by all test rasters.
func testProjection(t *testing.T) string {
	t.Helper()
	srs, err := godal.NewSpatialRefFromEPSG(32756)
	if err != nil {
		t.Fatalf("NewSpatialRefFromEPSG: %v", err)
	}
	defer srs.Close()
	wkt, err := srs.WKT()
	if err != nil {
		t.Fatalf("exporting WKT: %v", err)
	}
	return wkt
}

// makeTestRaster writes a UInt16 GTiff whose pixel values come from the
// value callback (band numbers start at 1).
func makeTestRaster(t *testing.T, filename string, ncols, nrows, nbands int,
	transform [6]float64, projection string, nullval float64,
	value func(band, row, col int) uint16) {

	t.Helper()
	ds, err := godal.Create(godal.GTiff, filename, nbands, godal.UInt16, ncols, nrows)
	if err != nil {
		t.Fatalf("creating %s: %v", filename, err)
	}
	if err := ds.SetGeoTransform(transform); err != nil {
		t.Fatalf("setting geotransform: %v", err)
	}
	if projection != "" {
		if err := ds.SetProjection(projection); err != nil {
			t.Fatalf("setting projection: %v", err)
		}
	}
	for b, band := range ds.Bands() {
		buf := make([]uint16, ncols*nrows)
		for row := 0; row < nrows; row++ {
			for col := 0; col < ncols; col++ {
				buf[row*ncols+col] = value(b+1, row, col)
			}
		}
		if err := band.Write(0, 0, buf, ncols, nrows); err != nil {
			t.Fatalf("writing %s band %d: %v", filename, b+1, err)
		}
		if err := band.SetNoData(nullval); err != nil {
			t.Fatalf("setting nodata: %v", err)
		}
	}
	if err := ds.Close(); err != nil {
		t.Fatalf("closing %s: %v", filename, err)
	}
}

// readBand reads one full band of the given file.
func readBand(t *testing.T, filename string, bandNum int) ([]uint16, int, int) {
	t.Helper()
	ds, err := godal.Open(filename)
	if err != nil {
		t.Fatalf("opening %s: %v", filename, err)
	}
	defer ds.Close()
	st := ds.Structure()
	buf := make([]uint16, st.SizeX*st.SizeY)
	if err := ds.Bands()[bandNum-1].Read(0, 0, buf, st.SizeX, st.SizeY); err != nil {
		t.Fatalf("reading %s: %v", filename, err)
	}
	return buf, st.SizeX, st.SizeY
}

// sideBySideInputs writes the standard fixture: two ncols x nrows rasters
// whose pixel value is the column index (column 0 is therefore null), placed
// side by side with a 2-column overlap. Returns the file names and the
// expected mosaic.
func sideBySideInputs(t *testing.T, dir string, ncols, nrows int) (string, string, []uint16, int) {
	proj := testProjection(t)
	transform1 := [6]float64{300000, 10, 0, 7000000, 0, -10}
	transform2 := transform1
	transform2[0] += float64(ncols-2) * transform1[1]

	colValue := func(band, row, col int) uint16 { return uint16(col) }
	file1 := filepath.Join(dir, "west.tif")
	file2 := filepath.Join(dir, "east.tif")
	makeTestRaster(t, file1, ncols, nrows, 1, transform1, proj, 0, colValue)
	makeTestRaster(t, file2, ncols, nrows, 1, transform2, proj, 0, colValue)

	// The mosaic is 2*ncols-2 wide. The second raster wins in the overlap
	// wherever it is non-null; its first column is null, so the first
	// raster's value survives there.
	outCols := 2*ncols - 2
	expected := make([]uint16, nrows*outCols)
	for row := 0; row < nrows; row++ {
		for col := 0; col < ncols; col++ {
			expected[row*outCols+col] = uint16(col)
		}
		for col := ncols - 1; col < outCols; col++ {
			expected[row*outCols+col] = uint16(col - (ncols - 2))
		}
	}
	return file1, file2, expected, outCols
}

func TestMosaicSideBySide(t *testing.T) {
	dir := t.TempDir()
	const ncols, nrows = 500, 500
	file1, file2, expected, outCols := sideBySideInputs(t, dir, ncols, nrows)
	outfile := filepath.Join(dir, "mosaic.tif")

	report, err := DoMosaic(context.Background(), []string{file1, file2}, outfile, Options{
		NumThreads: 2,
		BlockSize:  256,
	})
	if err != nil {
		t.Fatalf("DoMosaic: %v", err)
	}

	got, gotCols, gotRows := readBand(t, outfile, 1)
	if gotCols != outCols || gotRows != nrows {
		t.Fatalf("mosaic is %dx%d, want %dx%d", gotCols, gotRows, outCols, nrows)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("pixel %d (col %d, row %d) = %d, want %d",
				i, i%outCols, i/outCols, got[i], expected[i])
		}
	}

	checkBandStats(t, outfile, expected, 0)

	if report.Params.NumInfiles != 2 || report.Params.NumThreads != 2 {
		t.Errorf("report params = %+v", report.Params)
	}
	if _, ok := report.Timestamps["domosaic:start"]; !ok {
		t.Error("report missing domosaic:start timestamp")
	}
}

// checkBandStats compares the band's statistics metadata against batch
// statistics of the expected array, excluding the null value.
func checkBandStats(t *testing.T, outfile string, expected []uint16, nullval uint16) {
	t.Helper()
	var minv, maxv, sum, ssq float64
	var count int64
	for _, v := range expected {
		if v == nullval {
			continue
		}
		f := float64(v)
		if count == 0 {
			minv, maxv = f, f
		} else {
			minv = math.Min(minv, f)
			maxv = math.Max(maxv, f)
		}
		sum += f
		ssq += f * f
		count++
	}
	mean := sum / float64(count)
	stddev := math.Sqrt(ssq/float64(count) - mean*mean)

	ds, err := godal.Open(outfile)
	if err != nil {
		t.Fatalf("opening %s: %v", outfile, err)
	}
	defer ds.Close()
	band := ds.Bands()[0]

	readStat := func(key string) float64 {
		s := band.Metadata(key)
		if s == "" {
			t.Fatalf("missing band metadata %s", key)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			t.Fatalf("parsing %s=%q: %v", key, s, err)
		}
		return v
	}

	if got := readStat("STATISTICS_MINIMUM"); got != minv {
		t.Errorf("STATISTICS_MINIMUM = %g, want %g", got, minv)
	}
	if got := readStat("STATISTICS_MAXIMUM"); got != maxv {
		t.Errorf("STATISTICS_MAXIMUM = %g, want %g", got, maxv)
	}
	if got := readStat("STATISTICS_MEAN"); math.Abs(got-mean) > 1e-9*math.Abs(mean) {
		t.Errorf("STATISTICS_MEAN = %g, want %g", got, mean)
	}
	if got := readStat("STATISTICS_STDDEV"); math.Abs(got-stddev) > 1e-9*math.Max(stddev, 1) {
		t.Errorf("STATISTICS_STDDEV = %g, want %g", got, stddev)
	}

	if nd, ok := band.NoData(); !ok || nd != float64(nullval) {
		t.Errorf("band nodata = (%g, %v), want (%d, true)", nd, ok, nullval)
	}
}

func TestMosaicThreadInvariance(t *testing.T) {
	dir := t.TempDir()
	file1, file2, _, _ := sideBySideInputs(t, dir, 300, 300)

	var outputs [][]uint16
	for _, threads := range []int{1, 2, 4} {
		outfile := filepath.Join(dir, "mosaic_"+strconv.Itoa(threads)+".tif")
		_, err := DoMosaic(context.Background(), []string{file1, file2}, outfile, Options{
			NumThreads: threads,
			BlockSize:  128,
		})
		if err != nil {
			t.Fatalf("DoMosaic with %d threads: %v", threads, err)
		}
		buf, _, _ := readBand(t, outfile, 1)
		outputs = append(outputs, buf)
	}

	for i := 1; i < len(outputs); i++ {
		if len(outputs[i]) != len(outputs[0]) {
			t.Fatalf("output %d has different size", i)
		}
		for j := range outputs[0] {
			if outputs[i][j] != outputs[0][j] {
				t.Fatalf("outputs differ at pixel %d across thread counts", j)
			}
		}
	}
}

func TestMosaicHole(t *testing.T) {
	dir := t.TempDir()
	proj := testProjection(t)

	// Two 100x100 inputs at opposite corners of a 300x300 output grid.
	value := func(band, row, col int) uint16 { return uint16(row + col + 1) }
	nw := filepath.Join(dir, "nw.tif")
	se := filepath.Join(dir, "se.tif")
	makeTestRaster(t, nw, 100, 100, 1, [6]float64{0, 10, 0, 3000, 0, -10}, proj, 0, value)
	makeTestRaster(t, se, 100, 100, 1, [6]float64{2000, 10, 0, 1000, 0, -10}, proj, 0, value)

	outfile := filepath.Join(dir, "mosaic.tif")
	_, err := DoMosaic(context.Background(), []string{nw, se}, outfile, Options{
		NumThreads: 2,
		BlockSize:  100,
	})
	if err != nil {
		t.Fatalf("DoMosaic: %v", err)
	}

	got, ncols, nrows := readBand(t, outfile, 1)
	if ncols != 300 || nrows != 300 {
		t.Fatalf("mosaic is %dx%d, want 300x300", ncols, nrows)
	}
	for row := 0; row < nrows; row++ {
		for col := 0; col < ncols; col++ {
			var want uint16
			switch {
			case row < 100 && col < 100:
				want = uint16(row + col + 1)
			case row >= 200 && col >= 200:
				want = uint16((row - 200) + (col - 200) + 1)
			default:
				want = 0 // covered by no input
			}
			if got[row*ncols+col] != want {
				t.Fatalf("pixel (%d,%d) = %d, want %d", col, row, got[row*ncols+col], want)
			}
		}
	}
}

func TestMosaicMultiband(t *testing.T) {
	dir := t.TempDir()
	proj := testProjection(t)

	value := func(band, row, col int) uint16 {
		return uint16(band*1000 + row*50 + col + 1)
	}
	infile := filepath.Join(dir, "in.tif")
	makeTestRaster(t, infile, 50, 40, 2, [6]float64{0, 10, 0, 400, 0, -10}, proj, 0, value)

	outfile := filepath.Join(dir, "mosaic.tif")
	_, err := DoMosaic(context.Background(), []string{infile}, outfile, Options{
		NumThreads: 2,
		BlockSize:  32,
	})
	if err != nil {
		t.Fatalf("DoMosaic: %v", err)
	}

	for bandNum := 1; bandNum <= 2; bandNum++ {
		got, ncols, nrows := readBand(t, outfile, bandNum)
		if ncols != 50 || nrows != 40 {
			t.Fatalf("band %d is %dx%d, want 50x40", bandNum, ncols, nrows)
		}
		for row := 0; row < nrows; row++ {
			for col := 0; col < ncols; col++ {
				want := value(bandNum, row, col)
				if got[row*ncols+col] != want {
					t.Fatalf("band %d pixel (%d,%d) = %d, want %d",
						bandNum, col, row, got[row*ncols+col], want)
				}
			}
		}
	}
}

func TestMosaicOverviews(t *testing.T) {
	dir := t.TempDir()
	proj := testProjection(t)

	// Wide enough for a single level-4 overview (4200/4 >= 1024).
	const ncols, nrows = 4200, 64
	value := func(band, row, col int) uint16 { return uint16(col) }
	infile := filepath.Join(dir, "in.tif")
	makeTestRaster(t, infile, ncols, nrows, 1, [6]float64{0, 10, 0, 640, 0, -10}, proj, 0, value)

	outfile := filepath.Join(dir, "mosaic.tif")
	_, err := DoMosaic(context.Background(), []string{infile}, outfile, Options{
		NumThreads: 2,
		BlockSize:  1024,
	})
	if err != nil {
		t.Fatalf("DoMosaic: %v", err)
	}

	ds, err := godal.Open(outfile)
	if err != nil {
		t.Fatalf("opening %s: %v", outfile, err)
	}
	defer ds.Close()

	ovs := ds.Bands()[0].Overviews()
	if len(ovs) != 1 {
		t.Fatalf("got %d overviews, want 1", len(ovs))
	}
	st := ovs[0].Structure()
	if st.SizeX != 1050 || st.SizeY != 16 {
		t.Fatalf("overview is %dx%d, want 1050x16", st.SizeX, st.SizeY)
	}

	buf := make([]uint16, st.SizeX*st.SizeY)
	if err := ovs[0].Read(0, 0, buf, st.SizeX, st.SizeY); err != nil {
		t.Fatalf("reading overview: %v", err)
	}
	// Level 4 keeps every 4th pixel starting at offset 2.
	for r := 0; r < st.SizeY; r++ {
		for c := 0; c < st.SizeX; c++ {
			want := uint16(2 + 4*c)
			if buf[r*st.SizeX+c] != want {
				t.Fatalf("overview pixel (%d,%d) = %d, want %d", c, r, buf[r*st.SizeX+c], want)
			}
		}
	}
}

func TestMosaicNullOverride(t *testing.T) {
	dir := t.TempDir()
	proj := testProjection(t)

	value := func(band, row, col int) uint16 { return uint16(col + 1) }
	infile := filepath.Join(dir, "in.tif")
	makeTestRaster(t, infile, 30, 20, 1, [6]float64{0, 10, 0, 200, 0, -10}, proj, 0, value)

	override := 9999.0
	outfile := filepath.Join(dir, "mosaic.tif")
	_, err := DoMosaic(context.Background(), []string{infile}, outfile, Options{
		BlockSize: 16,
		NullVal:   &override,
	})
	if err != nil {
		t.Fatalf("DoMosaic: %v", err)
	}

	ds, err := godal.Open(outfile)
	if err != nil {
		t.Fatalf("opening %s: %v", outfile, err)
	}
	defer ds.Close()
	if nd, ok := ds.Bands()[0].NoData(); !ok || nd != override {
		t.Errorf("band nodata = (%g, %v), want (%g, true)", nd, ok, override)
	}
}
