package reproj

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/airbusgeo/godal"

	"github.com/pspoerri/rastermosaic/internal/raster"
)

// alignTolerance is how far (as a fraction of the pixel size) two grid
// origins may sit from an integer pixel offset and still count as aligned.
const alignTolerance = 0.0001

// ProjectionMismatchError reports inputs that cannot be mosaicked directly:
// differing projections, pixel sizes or grid alignment when no output
// projection was requested, or incompatible units when one was.
type ProjectionMismatchError struct {
	File1  string
	File2  string
	Reason string
}

func (e *ProjectionMismatchError) Error() string {
	if e.File2 == "" {
		return fmt.Sprintf("%s (%s)", e.Reason, e.File1)
	}
	return fmt.Sprintf("%s for files %s and %s", e.Reason, e.File1, e.File2)
}

// Target describes the requested output projection and resolution. The zero
// value means "no reprojection": inputs must already share a grid.
type Target struct {
	EPSG           int
	WKTFile        string
	WKT            string
	XRes           float64
	YRes           float64
	ResampleMethod string
	NullVal        float64
	HasNull        bool
}

// Requested reports whether any form of output projection was given.
func (t *Target) Requested() bool {
	return t.EPSG != 0 || t.WKTFile != "" || t.WKT != ""
}

// Handle prepares the input list for mosaicking. Without a requested target
// it verifies that all inputs share projection, pixel size and grid
// alignment. With one, it builds a warped VRT per input in a fresh temp dir
// and returns the VRT names in place of the originals, adding their geometry
// to infos. The caller removes tmpdir (when non-empty) after the mosaic.
func Handle(filelist []string, infos map[string]*raster.ImageInfo, target Target) (newlist []string, tmpdir string, err error) {
	if !target.Requested() {
		if err := checkInputProjections(filelist, infos); err != nil {
			return nil, "", err
		}
		return filelist, "", nil
	}
	return makeWarpedVRTs(filelist, infos, target)
}

// checkInputProjections verifies that every input matches the first one in
// projection, pixel size, and pixel grid alignment.
func checkInputProjections(filelist []string, infos map[string]*raster.ImageInfo) error {
	first := infos[filelist[0]]
	var firstSrs *godal.SpatialRef
	if first.Projection != "" {
		var err error
		firstSrs, err = godal.NewSpatialRefFromWKT(first.Projection)
		if err != nil {
			return fmt.Errorf("parsing projection of %s: %w", filelist[0], err)
		}
		defer firstSrs.Close()
	}

	for _, fn := range filelist[1:] {
		info := infos[fn]
		if (info.Projection == "") != (first.Projection == "") {
			return &ProjectionMismatchError{File1: filelist[0], File2: fn,
				Reason: "projection mis-match; specify an output projection"}
		}
		if info.Projection != "" {
			srs, err := godal.NewSpatialRefFromWKT(info.Projection)
			if err != nil {
				return fmt.Errorf("parsing projection of %s: %w", fn, err)
			}
			same := srs.IsSame(firstSrs)
			srs.Close()
			if !same {
				return &ProjectionMismatchError{File1: filelist[0], File2: fn,
					Reason: "projection mis-match; specify an output projection"}
			}
		}

		if info.Transform[1] != first.Transform[1] {
			return &ProjectionMismatchError{File1: filelist[0], File2: fn,
				Reason: "X pixel size mis-match"}
		}
		if info.Transform[5] != first.Transform[5] {
			return &ProjectionMismatchError{File1: filelist[0], File2: fn,
				Reason: "Y pixel size mis-match"}
		}
		if !isAligned(info.Transform[0], first.Transform[0], info.Transform[1]) {
			return &ProjectionMismatchError{File1: filelist[0], File2: fn,
				Reason: "X grid mis-alignment"}
		}
		if !isAligned(info.Transform[3], first.Transform[3], info.Transform[5]) {
			return &ProjectionMismatchError{File1: filelist[0], File2: fn,
				Reason: "Y grid mis-alignment"}
		}
	}
	return nil
}

// isAligned reports whether x1 and x2 differ by an integer multiple of res.
func isAligned(x1, x2, res float64) bool {
	factor := math.Abs(x1-x2) / math.Abs(res)
	return math.Abs(factor-math.Round(factor)) < alignTolerance
}

// makeWarpedVRTs builds one warped VRT per input in a fresh temp dir. The
// VRTs are aligned to multiples of the target resolution (-tap) so they end
// up on one shared grid, and their overviews are ignored so reads always hit
// full-resolution data.
func makeWarpedVRTs(filelist []string, infos map[string]*raster.ImageInfo, target Target) ([]string, string, error) {
	wkt, err := resolveTargetWKT(target)
	if err != nil {
		return nil, "", err
	}
	xres, yres, err := resolveTargetRes(target, wkt, infos[filelist[0]])
	if err != nil {
		return nil, "", err
	}

	tmpdir, err := os.MkdirTemp("", "rastermosaic_")
	if err != nil {
		return nil, "", fmt.Errorf("creating VRT temp dir: %w", err)
	}

	method := target.ResampleMethod
	if method == "" {
		method = "near"
	}

	switches := []string{
		"-of", "VRT",
		"-t_srs", wkt,
		"-tr", formatFloat(xres), formatFloat(math.Abs(yres)),
		"-tap",
		"-r", method,
		"-ovr", "NONE",
	}
	if target.HasNull {
		nv := formatFloat(target.NullVal)
		switches = append(switches, "-srcnodata", nv, "-dstnodata", nv)
	}

	newlist := make([]string, 0, len(filelist))
	for i, fn := range filelist {
		vrtName := filepath.Join(tmpdir, fmt.Sprintf("input_%03d.vrt", i))
		if err := warpToVRT(fn, vrtName, switches); err != nil {
			os.RemoveAll(tmpdir)
			return nil, "", err
		}
		info, err := raster.OpenInfo(vrtName)
		if err != nil {
			os.RemoveAll(tmpdir)
			return nil, "", err
		}
		infos[vrtName] = info
		newlist = append(newlist, vrtName)
	}
	return newlist, tmpdir, nil
}

func warpToVRT(src, dst string, switches []string) error {
	srcDs, err := godal.Open(src)
	if err != nil {
		return &raster.BackendOpenError{Path: src, Err: err}
	}
	defer srcDs.Close()

	vrtDs, err := srcDs.Warp(dst, switches)
	if err != nil {
		return fmt.Errorf("building warped VRT for %s: %w", src, err)
	}
	return vrtDs.Close()
}

// resolveTargetWKT normalizes the three accepted projection forms to WKT.
func resolveTargetWKT(target Target) (string, error) {
	switch {
	case target.WKT != "":
		return target.WKT, nil
	case target.WKTFile != "":
		wkt, err := os.ReadFile(target.WKTFile)
		if err != nil {
			return "", fmt.Errorf("reading projection file: %w", err)
		}
		return string(wkt), nil
	case target.EPSG != 0:
		srs, err := godal.NewSpatialRefFromEPSG(target.EPSG)
		if err != nil {
			return "", fmt.Errorf("resolving EPSG:%d: %w", target.EPSG, err)
		}
		defer srs.Close()
		return srs.WKT()
	}
	return "", fmt.Errorf("no output projection given")
}

// resolveTargetRes returns the output pixel size, defaulting to the first
// input's when the target units are compatible with the input's (both
// geographic, or both projected).
func resolveTargetRes(target Target, outWKT string, first *raster.ImageInfo) (float64, float64, error) {
	if target.XRes != 0 && target.YRes != 0 {
		return target.XRes, target.YRes, nil
	}

	outSrs, err := godal.NewSpatialRefFromWKT(outWKT)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing output projection: %w", err)
	}
	defer outSrs.Close()
	inSrs, err := godal.NewSpatialRefFromWKT(first.Projection)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing input projection: %w", err)
	}
	defer inSrs.Close()

	if outSrs.Geographic() != inSrs.Geographic() {
		return 0, 0, &ProjectionMismatchError{
			Reason: "cannot deduce a default pixel size: output coordinate units differ from the input's; give explicit xres/yres",
		}
	}
	return first.XRes(), first.YRes(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
