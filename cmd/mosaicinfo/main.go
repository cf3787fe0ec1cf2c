package main

import (
	"fmt"
	"os"

	"github.com/airbusgeo/godal"

	"github.com/pspoerri/rastermosaic/internal/mosaic"
	"github.com/pspoerri/rastermosaic/internal/raster"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: mosaicinfo <file.tif> [...]\n")
		os.Exit(1)
	}

	godal.RegisterAll()

	for _, fn := range os.Args[1:] {
		info, err := raster.OpenInfo(fn)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("File: %s\n", fn)
		fmt.Printf("  Size: %d x %d, %d band(s), %s\n",
			info.NCols, info.NRows, info.NumBands, info.DataType)
		fmt.Printf("  Origin: X=%f, Y=%f\n", info.Transform[0], info.Transform[3])
		fmt.Printf("  Pixel size: %g x %g\n", info.XRes(), info.YRes())
		fmt.Printf("  Bounds: X=[%f, %f], Y=[%f, %f]\n",
			info.XMin(), info.XMax(), info.YMin(), info.YMax())
		if info.HasNull {
			fmt.Printf("  No-data: %g\n", info.NullVal)
		} else {
			fmt.Printf("  No-data: not set\n")
		}
		if levels := mosaic.OverviewLevels(info.NCols, info.NRows); len(levels) > 0 {
			fmt.Printf("  Mosaic overview levels: %v\n", levels)
		}
	}
}
