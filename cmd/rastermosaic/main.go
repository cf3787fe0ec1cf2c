package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/airbusgeo/godal"

	"github.com/pspoerri/rastermosaic/internal/mosaic"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// stringList collects a repeatable flag into a slice.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	var (
		infileList     string
		outFile        string
		numThreads     int
		blockSize      int
		driver         string
		creationOpts   stringList
		nullVal        string
		monitorJSON    string
		outProjEPSG    int
		outProjWKTFile string
		xRes           float64
		yRes           float64
		resample       string
		verbose        bool
		showVersion    bool
		noProgress     bool
		cpuProfile     string
		memProfile     string
	)

	flag.StringVar(&infileList, "i", "", "Text file listing the input rasters, one per line")
	flag.StringVar(&outFile, "o", "", "Output raster file")
	flag.IntVar(&numThreads, "n", mosaic.DefaultNumThreads, "Number of read worker threads")
	flag.IntVar(&blockSize, "b", mosaic.DefaultBlockSize, "Block size in pixels")
	flag.StringVar(&driver, "d", mosaic.DefaultDriver, "GDAL driver for the output file")
	flag.Var(&creationOpts, "co", "Creation option as 'NAME=VALUE' (repeatable; replaces the per-driver defaults)")
	flag.StringVar(&nullVal, "nullval", "", "Null value to use (default comes from the input files)")
	flag.StringVar(&monitorJSON, "monitorjson", "", "Write monitoring info to this JSON file")
	flag.IntVar(&outProjEPSG, "outprojepsg", 0, "EPSG number of the output projection (default matches the inputs)")
	flag.StringVar(&outProjWKTFile, "outprojwktfile", "", "Text file containing the WKT of the output projection")
	flag.Float64Var(&xRes, "xres", 0, "Output X pixel size (default matches the inputs)")
	flag.Float64Var(&yRes, "yres", 0, "Output Y pixel size (default matches the inputs)")
	flag.StringVar(&resample, "resample", mosaic.DefaultResampleMethod, "GDAL resampling method for reprojection")
	flag.BoolVar(&verbose, "verbose", false, "Verbose diagnostic output")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")
	flag.StringVar(&cpuProfile, "cpuprofile", "", "Write CPU profile to file")
	flag.StringVar(&memProfile, "memprofile", "", "Write memory profile to file")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: rastermosaic [flags] [input.tif ...]\n\n")
		fmt.Fprintf(os.Stderr, "Mosaic georeferenced rasters into a single output raster.\n")
		fmt.Fprintf(os.Stderr, "Inputs come from -i and/or positional arguments; later inputs\n")
		fmt.Fprintf(os.Stderr, "take precedence where they overlap earlier ones.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("rastermosaic %s (commit %s, built %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// CPU profiling.
	if cpuProfile != "" {
		f, err := os.Create(cpuProfile)
		if err != nil {
			log.Fatalf("Creating CPU profile: %v", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatalf("Starting CPU profile: %v", err)
		}
		defer pprof.StopCPUProfile()
	}

	// Memory profile (written at exit).
	if memProfile != "" {
		defer func() {
			f, err := os.Create(memProfile)
			if err != nil {
				log.Fatalf("Creating memory profile: %v", err)
			}
			defer f.Close()
			runtime.GC() // get up-to-date statistics
			if err := pprof.WriteHeapProfile(f); err != nil {
				log.Fatalf("Writing memory profile: %v", err)
			}
		}()
	}

	filelist, err := collectInputs(infileList, flag.Args())
	if err != nil {
		log.Fatalf("Collecting input files: %v", err)
	}
	if len(filelist) == 0 {
		flag.Usage()
		os.Exit(1)
	}
	if outFile == "" {
		log.Fatal("No output file given (-o)")
	}

	opts := mosaic.Options{
		NumThreads:     numThreads,
		BlockSize:      blockSize,
		Driver:         driver,
		OutProjEPSG:    outProjEPSG,
		OutProjWKTFile: outProjWKTFile,
		XRes:           xRes,
		YRes:           yRes,
		ResampleMethod: resample,
		Verbose:        verbose,
		ShowProgress:   !noProgress,
	}
	if creationOpts != nil {
		opts.CreationOptions = creationOpts
	}
	if nullVal != "" {
		v, err := strconv.ParseFloat(nullVal, 64)
		if err != nil {
			log.Fatalf("Invalid -nullval %q: %v", nullVal, err)
		}
		opts.NullVal = &v
	}

	fmt.Printf("rastermosaic %s\n", version)
	fmt.Printf("  %-12s %d file(s)\n", "Input:", len(filelist))
	fmt.Printf("  %-12s %s (%s)\n", "Output:", outFile, driver)
	fmt.Printf("  %-12s %dpx\n", "Block size:", blockSize)
	fmt.Printf("  %-12s %d\n", "Threads:", numThreads)
	if outProjEPSG != 0 {
		fmt.Printf("  %-12s EPSG:%d (%s)\n", "Reproject:", outProjEPSG, resample)
	} else if outProjWKTFile != "" {
		fmt.Printf("  %-12s %s (%s)\n", "Reproject:", outProjWKTFile, resample)
	}

	godal.RegisterAll()

	start := time.Now()
	report, err := mosaic.DoMosaic(context.Background(), filelist, outFile, opts)
	if err != nil {
		log.Fatalf("Mosaic: %v", err)
	}

	if monitorJSON != "" {
		data, err := report.WriteJSON()
		if err != nil {
			log.Fatalf("Serializing monitor report: %v", err)
		}
		if err := os.WriteFile(monitorJSON, data, 0o644); err != nil {
			log.Fatalf("Writing %s: %v", monitorJSON, err)
		}
	}

	elapsed := time.Since(start).Round(time.Millisecond)
	fmt.Printf("Done: %d input(s), %v → %s\n", len(filelist), elapsed, outFile)
}

// collectInputs merges the list-file contents with positional arguments,
// preserving order: list file first, then positionals.
func collectInputs(listFile string, args []string) ([]string, error) {
	var result []string
	if listFile != "" {
		f, err := os.Open(listFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" {
				result = append(result, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", listFile, err)
		}
	}
	result = append(result, args...)
	return result, nil
}
