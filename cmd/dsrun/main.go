// Package main is a command line runner for pseudobulk DS analysis
// without the HTTP server.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/pbulk/server/internal/data/scexpr"
	"github.com/pbulk/server/internal/ds"
	"github.com/pbulk/server/internal/pseudobulk"
	"github.com/pbulk/server/internal/results"
)

func main() {
	countsPath := flag.String("counts", "", "Counts matrix TSV (genes x cells, may be .gz or .zst)")
	npyPath := flag.String("npy", "", "Counts matrix in numpy .npy format (alternative to -counts)")
	genesPath := flag.String("genes", "", "Gene list sidecar for -npy")
	cellsPath := flag.String("cells", "", "Cell list sidecar for -npy")
	zarrPath := flag.String("zarr", "", "Counts store in Zarr v3 format (alternative to -counts)")
	obsPath := flag.String("obs", "", "Per-cell annotation TSV with sample_id, cluster_id, group_id")
	layer := flag.String("layer", "counts", "Expression layer to analyze")
	reducerName := flag.String("reducer", "sum", "Aggregation reducer: sum, mean or median")
	method := flag.String("method", "pseudobulk", "Test method: pseudobulk or mixed")
	family := flag.String("family", string(ds.FamilyLogNorm), "Mixed model family: lognorm, vst or glmm")
	dfMethod := flag.String("df", string(ds.DFSatterthwaite), "Mixed model df method: satterthwaite or between-within")
	minNonzero := flag.Int("min-nonzero", 2, "Pseudobulk: min samples with nonzero aggregate per gene")
	coefs := flag.String("coefs", "", "Pseudobulk: comma-separated coefficient names to test (default: last coefficient)")
	nCells := flag.Int("ncells", 10, "Mixed: min cells per sample")
	nSamples := flag.Int("nsamples", 2, "Mixed: min samples per cluster")
	minCells := flag.Int("min-cells", 20, "Mixed: min expressing cells per gene")
	minCount := flag.Float64("min-count", 1, "Mixed: count at or above which a cell counts as expressing")
	workers := flag.Int("workers", 4, "Clusters fit in parallel")
	bind := flag.String("bind", "rows", "Output layout: rows or cols")
	attachFreq := flag.Bool("freq", false, "Attach per-sample and per-group detection frequencies")
	freqThreshold := flag.Float64("freq-threshold", 0, "Detection threshold for -freq")
	attachMeans := flag.Bool("means", false, "Attach per-cluster-sample mean CPM columns")
	outPath := flag.String("out", "", "Output TSV path (.gz for gzip); default stdout")
	flag.Parse()

	if *obsPath == "" || (*countsPath == "" && *npyPath == "" && *zarrPath == "") {
		flag.Usage()
		os.Exit(2)
	}

	var (
		table *scexpr.Table
		err   error
	)
	switch {
	case *npyPath != "":
		table, err = scexpr.LoadTableNpy(*npyPath, *genesPath, *cellsPath, *obsPath)
	case *zarrPath != "":
		table, err = scexpr.LoadTableZarr(*zarrPath, *obsPath)
	default:
		table, err = scexpr.LoadTable(*countsPath, *obsPath)
	}
	if err != nil {
		log.Fatalf("Failed to load input: %v", err)
	}
	log.Printf("Loaded %d genes x %d cells", table.NGenes(), table.NCells())

	reducer, err := pseudobulk.ParseReducer(*reducerName)
	if err != nil {
		log.Fatal(err)
	}
	pb, err := pseudobulk.Aggregate(table, pseudobulk.DefaultKeys(), *layer, reducer)
	if err != nil {
		log.Fatalf("Aggregation failed: %v", err)
	}
	log.Printf("Aggregated %d cluster(s)", len(pb.Clusters))

	var rs *ds.ResultSet
	switch *method {
	case "mixed":
		cfg := ds.DefaultMMConfig()
		cfg.Family = ds.MMFamily(*family)
		cfg.DF = ds.DFMethod(*dfMethod)
		cfg.NCells = *nCells
		cfg.NSamples = *nSamples
		cfg.MinCells = *minCells
		cfg.MinCount = *minCount
		cfg.Workers = *workers
		rs, err = ds.TestMixed(table, cfg)
	case "pseudobulk":
		samples, lerr := table.ObsLevels(scexpr.ObsSample)
		if lerr != nil {
			log.Fatal(lerr)
		}
		groups, lerr := table.ObsLevels(scexpr.ObsGroup)
		if lerr != nil {
			log.Fatal(lerr)
		}
		design, derr := ds.GroupDesign(samples, table.GroupOf(), groups)
		if derr != nil {
			log.Fatal(derr)
		}
		cfg := ds.DefaultPBConfig()
		cfg.MinNonzeroSamples = *minNonzero
		cfg.Workers = *workers
		if *coefs != "" {
			for _, name := range strings.Split(*coefs, ",") {
				ct, cerr := design.CoefContrast(strings.TrimSpace(name))
				if cerr != nil {
					log.Fatal(cerr)
				}
				cfg.Contrasts = append(cfg.Contrasts, ct)
			}
		}
		rs, err = ds.TestPseudobulk(pb, design, cfg)
	default:
		log.Fatalf("Unknown method %q", *method)
	}
	if err != nil {
		log.Fatalf("Test failed: %v", err)
	}

	nRows := 0
	for _, byCluster := range rs.Tables {
		for _, tab := range byCluster {
			nRows += len(tab.Rows)
		}
	}
	log.Printf("Tested %d gene/cluster pairs, %d excluded", nRows, len(rs.Excluded))

	bindMode := results.BindRows
	if *bind == "cols" {
		bindMode = results.BindCols
	}
	ut, err := results.Format(rs, results.Options{
		Bind:              bindMode,
		AttachFrequencies: *attachFreq,
		FreqThreshold:     *freqThreshold,
		FreqLayer:         *layer,
		AttachMeans:       *attachMeans,
		Table:             table,
		Pseudobulk:        pb,
	})
	if err != nil {
		log.Fatalf("Formatting failed: %v", err)
	}

	if *outPath == "" {
		if err := ut.WriteTSV(os.Stdout); err != nil {
			log.Fatalf("Write failed: %v", err)
		}
		return
	}
	if err := ut.WriteFile(*outPath); err != nil {
		log.Fatalf("Write failed: %v", err)
	}
	fmt.Fprintf(os.Stderr, "Wrote %s (%d rows)\n", *outPath, len(ut.Rows))
}
