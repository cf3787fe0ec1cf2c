package raster

import (
	"fmt"
	"math"

	"github.com/airbusgeo/godal"
)

// ImageInfo is a read-only snapshot of a raster's geometry, taken once at
// planning time. All later stages work from this snapshot so they never need
// to share a dataset handle.
type ImageInfo struct {
	NCols      int
	NRows      int
	Transform  [6]float64 // GDAL geotransform: x0, dx, 0, y0, 0, -dy
	Projection string     // WKT
	DataType   godal.DataType
	NumBands   int
	NullVal    float64
	HasNull    bool
}

// OpenInfo opens the raster just long enough to capture its geometry.
func OpenInfo(path string) (*ImageInfo, error) {
	ds, err := godal.Open(path)
	if err != nil {
		return nil, &BackendOpenError{Path: path, Err: err}
	}
	defer ds.Close()

	st := ds.Structure()
	gt, err := ds.GeoTransform()
	if err != nil {
		return nil, &BackendOpenError{Path: path, Err: fmt.Errorf("reading geotransform: %w", err)}
	}

	info := &ImageInfo{
		NCols:      st.SizeX,
		NRows:      st.SizeY,
		Transform:  gt,
		Projection: ds.Projection(),
		NumBands:   st.NBands,
	}
	band := ds.Bands()[0]
	info.DataType = band.Structure().DataType
	info.NullVal, info.HasNull = band.NoData()
	return info, nil
}

// World-coordinate extents, derived from the geotransform. YRes is returned
// as a positive value even though the transform stores it negated.

func (ii *ImageInfo) XMin() float64 { return ii.Transform[0] }

func (ii *ImageInfo) XMax() float64 {
	return ii.Transform[0] + float64(ii.NCols)*ii.Transform[1]
}

func (ii *ImageInfo) YMax() float64 { return ii.Transform[3] }

func (ii *ImageInfo) YMin() float64 {
	return ii.Transform[3] + float64(ii.NRows)*ii.Transform[5]
}

func (ii *ImageInfo) XRes() float64 { return ii.Transform[1] }

func (ii *ImageInfo) YRes() float64 { return math.Abs(ii.Transform[5]) }

// BuildOutputGrid synthesizes the geometry of the mosaic output: the union of
// all input bounds, on the first input's pixel grid. Projection, data type and
// band count are taken from the first input. The no-data value is inherited
// from the first input unless the caller overrides it.
func BuildOutputGrid(filelist []string, infos map[string]*ImageInfo, nullOverride *float64) *ImageInfo {
	first := infos[filelist[0]]

	xMin, xMax := first.XMin(), first.XMax()
	yMin, yMax := first.YMin(), first.YMax()
	for _, fn := range filelist[1:] {
		ii := infos[fn]
		xMin = math.Min(xMin, ii.XMin())
		xMax = math.Max(xMax, ii.XMax())
		yMin = math.Min(yMin, ii.YMin())
		yMax = math.Max(yMax, ii.YMax())
	}

	xRes, yRes := first.XRes(), first.YRes()
	out := &ImageInfo{
		NCols:      int(math.Round((xMax - xMin) / xRes)),
		NRows:      int(math.Round((yMax - yMin) / yRes)),
		Transform:  [6]float64{xMin, xRes, 0, yMax, 0, -yRes},
		Projection: first.Projection,
		DataType:   first.DataType,
		NumBands:   first.NumBands,
		NullVal:    first.NullVal,
		HasNull:    first.HasNull,
	}
	if nullOverride != nil {
		out.NullVal = *nullOverride
		out.HasNull = true
	}
	return out
}

// ApplyGeoTransform maps pixel coordinates (col, row) to world coordinates.
func ApplyGeoTransform(gt [6]float64, col, row float64) (x, y float64) {
	x = gt[0] + col*gt[1] + row*gt[2]
	y = gt[3] + col*gt[4] + row*gt[5]
	return x, y
}

// InvGeoTransform returns the inverse of the given geotransform, i.e. the
// affine map from world coordinates back to pixel coordinates.
func InvGeoTransform(gt [6]float64) ([6]float64, error) {
	det := gt[1]*gt[5] - gt[2]*gt[4]
	if det == 0 {
		return [6]float64{}, fmt.Errorf("geotransform %v is not invertible", gt)
	}
	return [6]float64{
		(gt[2]*gt[3] - gt[0]*gt[5]) / det,
		gt[5] / det,
		-gt[2] / det,
		(gt[0]*gt[4] - gt[1]*gt[3]) / det,
		-gt[4] / det,
		gt[1] / det,
	}, nil
}
