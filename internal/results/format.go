// Package results reshapes per-cluster differential-state tables into
// unified tidy or wide tables and serializes them.
package results

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/pbulk/server/internal/data/scexpr"
	"github.com/pbulk/server/internal/ds"
	"github.com/pbulk/server/internal/pseudobulk"
)

// ErrSchemaMismatch is returned by the wide-format join when the compared
// result tables do not share identical gene/cluster key sets.
var ErrSchemaMismatch = errors.New("results: gene/cluster sets differ across comparisons")

// BindMode selects the merge layout for multi-comparison results.
type BindMode string

const (
	BindRows BindMode = "row"
	BindCols BindMode = "col"
)

// Options configures Format.
type Options struct {
	Bind BindMode

	// AttachFrequencies adds, per (gene, cluster), the fraction of cells
	// with expression above FreqThreshold, per sample and averaged per
	// group.
	AttachFrequencies bool
	FreqThreshold     float64
	FreqLayer         string

	// AttachMeans adds per-cluster-sample mean CPM columns.
	AttachMeans bool

	// Table and Pseudobulk supply the data for the attached summaries.
	Table      *scexpr.Table
	Pseudobulk *pseudobulk.Pseudobulk
}

// UnifiedTable is a plain column-named string table. It owns its storage
// and is never mutated after Format returns.
type UnifiedTable struct {
	Columns []string
	Rows    [][]string
}

// Format reshapes a result set into one unified table. Row binding
// concatenates all (cluster, comparison) tables with a comparison column;
// column binding joins comparisons side by side per (gene, cluster) key.
// The output is deterministic: identical inputs and options yield
// byte-identical tables.
func Format(rs *ds.ResultSet, opts Options) (*UnifiedTable, error) {
	if rs == nil {
		return nil, fmt.Errorf("results: nil result set")
	}
	var (
		ut  *UnifiedTable
		err error
	)
	switch opts.Bind {
	case BindCols:
		ut, err = bindCols(rs)
	case BindRows, "":
		ut, err = bindRows(rs)
	default:
		return nil, fmt.Errorf("results: unknown bind mode %q", opts.Bind)
	}
	if err != nil {
		return nil, err
	}

	if opts.AttachFrequencies {
		if err := attachFrequencies(ut, rs, opts); err != nil {
			return nil, err
		}
	}
	if opts.AttachMeans {
		if err := attachMeans(ut, opts); err != nil {
			return nil, err
		}
	}
	return ut, nil
}

var statCols = []string{"logFC", "p_val", "p_adj.loc", "p_adj.glb"}

func statValues(r ds.GeneResult) []string {
	return []string{
		formatFloat(r.LogFC),
		formatFloat(r.PVal),
		formatFloat(r.PAdjLoc),
		formatFloat(r.PAdjGlb),
	}
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func bindRows(rs *ds.ResultSet) (*UnifiedTable, error) {
	ut := &UnifiedTable{Columns: append([]string{"gene", "cluster_id", "comparison"}, statCols...)}
	for _, cluster := range rs.Clusters {
		for _, comp := range rs.Comparisons {
			tbl := rs.Table(comp, cluster)
			if tbl == nil {
				continue
			}
			for _, r := range tbl.Rows {
				row := append([]string{r.Gene, r.Cluster, r.Comparison}, statValues(r)...)
				ut.Rows = append(ut.Rows, row)
			}
		}
	}
	return ut, nil
}

func bindCols(rs *ds.ResultSet) (*UnifiedTable, error) {
	if len(rs.Comparisons) == 0 {
		return &UnifiedTable{Columns: []string{"gene", "cluster_id"}}, nil
	}

	// All comparisons must cover identical (gene, cluster) key sets.
	type key struct{ gene, cluster string }
	keySet := make(map[key]bool)
	for _, cluster := range rs.Clusters {
		if tbl := rs.Table(rs.Comparisons[0], cluster); tbl != nil {
			for _, r := range tbl.Rows {
				keySet[key{r.Gene, r.Cluster}] = true
			}
		}
	}
	for _, comp := range rs.Comparisons[1:] {
		n := 0
		for _, cluster := range rs.Clusters {
			if tbl := rs.Table(comp, cluster); tbl != nil {
				for _, r := range tbl.Rows {
					if !keySet[key{r.Gene, r.Cluster}] {
						return nil, ErrSchemaMismatch
					}
					n++
				}
			}
		}
		if n != len(keySet) {
			return nil, ErrSchemaMismatch
		}
	}

	ut := &UnifiedTable{Columns: []string{"gene", "cluster_id"}}
	for _, comp := range rs.Comparisons {
		for _, c := range statCols {
			ut.Columns = append(ut.Columns, c+"."+comp)
		}
	}

	rowOf := make(map[key]int)
	for _, cluster := range rs.Clusters {
		tbl := rs.Table(rs.Comparisons[0], cluster)
		if tbl == nil {
			continue
		}
		for _, r := range tbl.Rows {
			rowOf[key{r.Gene, r.Cluster}] = len(ut.Rows)
			row := make([]string, len(ut.Columns))
			row[0], row[1] = r.Gene, r.Cluster
			ut.Rows = append(ut.Rows, row)
		}
	}
	for ci, comp := range rs.Comparisons {
		base := 2 + ci*len(statCols)
		for _, cluster := range rs.Clusters {
			tbl := rs.Table(comp, cluster)
			if tbl == nil {
				continue
			}
			for _, r := range tbl.Rows {
				copy(ut.Rows[rowOf[key{r.Gene, r.Cluster}]][base:base+len(statCols)], statValues(r))
			}
		}
	}
	return ut, nil
}

// attachFrequencies appends per-sample and per-group detection-frequency
// columns computed from cell-level expression.
func attachFrequencies(ut *UnifiedTable, rs *ds.ResultSet, opts Options) error {
	t := opts.Table
	if t == nil {
		return fmt.Errorf("results: AttachFrequencies requires the expression table")
	}
	layer := opts.FreqLayer
	if layer == "" {
		layer = "counts"
	}
	if !t.HasLayer(layer) {
		return fmt.Errorf("results: layer %q not found", layer)
	}

	samples, err := t.ObsLevels(scexpr.ObsSample)
	if err != nil {
		return err
	}
	groups, err := t.ObsLevels(scexpr.ObsGroup)
	if err != nil {
		return err
	}
	groupOf := t.GroupOf()
	freq, err := detectionFrequencies(t, layer, opts.FreqThreshold)
	if err != nil {
		return err
	}

	giCol, ciCol := columnIndex(ut, "gene"), columnIndex(ut, "cluster_id")
	for _, s := range samples {
		ut.Columns = append(ut.Columns, s+".frq")
	}
	for _, g := range groups {
		ut.Columns = append(ut.Columns, g+".frq")
	}
	for i, row := range ut.Rows {
		gene, cluster := row[giCol], row[ciCol]
		var perGroup = make(map[string][]float64)
		for _, s := range samples {
			f, ok := freq[freqKey{cluster, s, gene}]
			if !ok {
				row = append(row, "NA")
				continue
			}
			row = append(row, formatFloat(f))
			perGroup[groupOf[s]] = append(perGroup[groupOf[s]], f)
		}
		for _, g := range groups {
			vals := perGroup[g]
			if len(vals) == 0 {
				row = append(row, "NA")
				continue
			}
			var sum float64
			for _, v := range vals {
				sum += v
			}
			row = append(row, formatFloat(sum/float64(len(vals))))
		}
		ut.Rows[i] = row
	}
	return nil
}

type freqKey struct{ cluster, sample, gene string }

// detectionFrequencies computes, per (cluster, sample, gene), the fraction
// of cells with expression strictly above threshold.
func detectionFrequencies(t *scexpr.Table, layer string, threshold float64) (map[freqKey]float64, error) {
	clusterVals, err := t.Obs(scexpr.ObsCluster)
	if err != nil {
		return nil, err
	}
	sampleVals, err := t.Obs(scexpr.ObsSample)
	if err != nil {
		return nil, err
	}

	cells := make(map[[2]string][]int)
	for c := range clusterVals {
		k := [2]string{clusterVals[c], sampleVals[c]}
		cells[k] = append(cells[k], c)
	}

	out := make(map[freqKey]float64)
	buf := make([]float64, 0, 256)
	for k, idx := range cells {
		for g, gene := range t.Genes() {
			buf = t.GeneRow(layer, g, idx, buf)
			n := 0
			for _, v := range buf {
				if v > threshold {
					n++
				}
			}
			out[freqKey{k[0], k[1], gene}] = float64(n) / float64(len(idx))
		}
	}
	return out, nil
}

// attachMeans appends per-cluster-sample mean-CPM columns from the
// pseudobulk aggregate.
func attachMeans(ut *UnifiedTable, opts Options) error {
	pb := opts.Pseudobulk
	if pb == nil {
		return fmt.Errorf("results: AttachMeans requires the pseudobulk aggregate")
	}

	sampleSet := make(map[string]bool)
	var samples []string
	for _, cluster := range pb.Clusters {
		for _, s := range pb.ByCluster[cluster].Samples {
			if !sampleSet[s] {
				sampleSet[s] = true
				samples = append(samples, s)
			}
		}
	}

	giCol, ciCol := columnIndex(ut, "gene"), columnIndex(ut, "cluster_id")
	for _, s := range samples {
		ut.Columns = append(ut.Columns, s+".cpm")
	}
	for i, row := range ut.Rows {
		gene, cluster := row[giCol], row[ciCol]
		m := pb.ByCluster[cluster]
		var libs []float64
		var geneRow int = -1
		if m != nil {
			libs = m.LibrarySizes()
			for g, gn := range m.Genes {
				if gn == gene {
					geneRow = g
					break
				}
			}
		}
		for _, s := range samples {
			col := -1
			if m != nil {
				col = m.SampleIndex(s)
			}
			if geneRow < 0 || col < 0 || libs[col] == 0 {
				row = append(row, "NA")
				continue
			}
			cpm := m.Value(geneRow, col) / libs[col] * 1e6
			row = append(row, formatFloat(cpm))
		}
		ut.Rows[i] = row
	}
	return nil
}

func columnIndex(ut *UnifiedTable, name string) int {
	for i, c := range ut.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// WriteTSV serializes the table tab-delimited.
func (ut *UnifiedTable) WriteTSV(w io.Writer) error {
	if _, err := io.WriteString(w, strings.Join(ut.Columns, "\t")+"\n"); err != nil {
		return err
	}
	for _, row := range ut.Rows {
		if _, err := io.WriteString(w, strings.Join(row, "\t")+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile writes the table to path, gzip-compressed when the path ends
// in .gz.
func (ut *UnifiedTable) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	var w io.Writer = f
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(f)
		w = zw
	}

	if err := ut.WriteTSV(w); err != nil {
		if zw != nil {
			zw.Close()
		}
		f.Close()
		return err
	}
	// The gzip footer is written on Close; a failure there corrupts the
	// file and must surface.
	if zw != nil {
		if err := zw.Close(); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
