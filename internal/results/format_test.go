package results

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/pbulk/server/internal/data/scexpr"
	"github.com/pbulk/server/internal/ds"
	"github.com/pbulk/server/internal/pseudobulk"
)

func testResultSet() *ds.ResultSet {
	mk := func(comp, cluster string, genes ...string) *ds.ClusterTable {
		tbl := &ds.ClusterTable{Cluster: cluster, Comparison: comp}
		for i, g := range genes {
			tbl.Rows = append(tbl.Rows, ds.GeneResult{
				Gene: g, Cluster: cluster, Comparison: comp,
				LogFC: float64(i) + 0.5, PVal: 0.01 * float64(i+1),
				PAdjLoc: 0.02 * float64(i+1), PAdjGlb: 0.03 * float64(i+1),
			})
		}
		return tbl
	}
	return &ds.ResultSet{
		Comparisons: []string{"stim", "treat"},
		Clusters:    []string{"k1", "k2"},
		Tables: map[string]map[string]*ds.ClusterTable{
			"stim": {
				"k1": mk("stim", "k1", "g1", "g2"),
				"k2": mk("stim", "k2", "g1"),
			},
			"treat": {
				"k1": mk("treat", "k1", "g1", "g2"),
				"k2": mk("treat", "k2", "g1"),
			},
		},
	}
}

func TestFormatBindRows(t *testing.T) {
	rs := testResultSet()
	ut, err := Format(rs, Options{Bind: BindRows})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	want := []string{"gene", "cluster_id", "comparison", "logFC", "p_val", "p_adj.loc", "p_adj.glb"}
	if strings.Join(ut.Columns, ",") != strings.Join(want, ",") {
		t.Fatalf("Columns = %v, want %v", ut.Columns, want)
	}
	// Row count is the sum over all (cluster, comparison) tables.
	if len(ut.Rows) != 6 {
		t.Fatalf("Expected 6 rows, got %d", len(ut.Rows))
	}
	// Cluster-major order, comparisons within cluster.
	if ut.Rows[0][1] != "k1" || ut.Rows[0][2] != "stim" {
		t.Errorf("First row = %v", ut.Rows[0])
	}
	if ut.Rows[2][2] != "treat" {
		t.Errorf("Third row should open the treat tables for k1: %v", ut.Rows[2])
	}
	// Values survive the reshape.
	if ut.Rows[0][3] != "0.5" || ut.Rows[0][4] != "0.01" {
		t.Errorf("Stat values = %v", ut.Rows[0][3:])
	}
}

func TestFormatBindCols(t *testing.T) {
	rs := testResultSet()
	ut, err := Format(rs, Options{Bind: BindCols})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if len(ut.Columns) != 2+2*4 {
		t.Fatalf("Columns = %v", ut.Columns)
	}
	if ut.Columns[2] != "logFC.stim" || ut.Columns[6] != "logFC.treat" {
		t.Errorf("Suffixed columns wrong: %v", ut.Columns)
	}
	// One row per (gene, cluster) key.
	if len(ut.Rows) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(ut.Rows))
	}
	for _, row := range ut.Rows {
		for i, v := range row {
			if v == "" {
				t.Errorf("Empty cell %d in row %v", i, row)
			}
		}
	}
}

func TestFormatBindColsSchemaMismatch(t *testing.T) {
	rs := testResultSet()
	// Drop one gene from the second comparison.
	rs.Tables["treat"]["k1"].Rows = rs.Tables["treat"]["k1"].Rows[:1]
	if _, err := Format(rs, Options{Bind: BindCols}); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("Expected ErrSchemaMismatch, got %v", err)
	}

	// Extra gene in the second comparison.
	rs = testResultSet()
	rs.Tables["treat"]["k2"].Rows = append(rs.Tables["treat"]["k2"].Rows, ds.GeneResult{Gene: "gX", Cluster: "k2", Comparison: "treat"})
	if _, err := Format(rs, Options{Bind: BindCols}); !errors.Is(err, ErrSchemaMismatch) {
		t.Errorf("Expected ErrSchemaMismatch for extra key, got %v", err)
	}
}

func TestFormatDeterministic(t *testing.T) {
	rs := testResultSet()
	var bufs [2]bytes.Buffer
	for i := range bufs {
		ut, err := Format(rs, Options{Bind: BindRows})
		if err != nil {
			t.Fatalf("Format failed: %v", err)
		}
		if err := ut.WriteTSV(&bufs[i]); err != nil {
			t.Fatalf("WriteTSV failed: %v", err)
		}
	}
	if !bytes.Equal(bufs[0].Bytes(), bufs[1].Bytes()) {
		t.Error("Repeated formatting is not byte-identical")
	}
}

func TestFormatNaN(t *testing.T) {
	rs := testResultSet()
	rs.Tables["stim"]["k1"].Rows[0].PVal = nan()
	ut, err := Format(rs, Options{Bind: BindRows})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	if ut.Rows[0][4] != "NA" {
		t.Errorf("NaN rendered as %q, want NA", ut.Rows[0][4])
	}
}

func nan() float64 {
	var z float64
	return z / z
}

// summaryFixture builds a small cell-level table plus its aggregate for the
// attached-summaries options.
func summaryFixture(t *testing.T) (*scexpr.Table, *pseudobulk.Pseudobulk, *ds.ResultSet) {
	t.Helper()
	tbl, err := scexpr.NewTable(scexpr.TableInput{
		Genes:  []string{"g1", "g2"},
		Cells:  []string{"c1", "c2", "c3", "c4"},
		Counts: []float64{5, 0, 2, 0, 1, 1, 0, 4},
		Obs: map[string][]string{
			scexpr.ObsSample:  {"s1", "s1", "s2", "s2"},
			scexpr.ObsCluster: {"k1", "k1", "k1", "k1"},
			scexpr.ObsGroup:   {"ctrl", "ctrl", "stim", "stim"},
		},
	})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	pb, err := pseudobulk.Aggregate(tbl, pseudobulk.DefaultKeys(), "counts", pseudobulk.ReduceSum)
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	rs := &ds.ResultSet{
		Comparisons: []string{"stim"},
		Clusters:    []string{"k1"},
		Tables: map[string]map[string]*ds.ClusterTable{
			"stim": {"k1": {Cluster: "k1", Comparison: "stim", Rows: []ds.GeneResult{
				{Gene: "g1", Cluster: "k1", Comparison: "stim", LogFC: 1, PVal: 0.1, PAdjLoc: 0.2, PAdjGlb: 0.3},
				{Gene: "g2", Cluster: "k1", Comparison: "stim", LogFC: -1, PVal: 0.5, PAdjLoc: 0.6, PAdjGlb: 0.7},
			}}},
		},
	}
	return tbl, pb, rs
}

func TestAttachFrequencies(t *testing.T) {
	tbl, pb, rs := summaryFixture(t)
	ut, err := Format(rs, Options{
		Bind:              BindRows,
		AttachFrequencies: true,
		Table:             tbl,
		Pseudobulk:        pb,
	})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	cols := strings.Join(ut.Columns, ",")
	for _, c := range []string{"s1.frq", "s2.frq", "ctrl.frq", "stim.frq"} {
		if !strings.Contains(cols, c) {
			t.Fatalf("Missing column %s in %v", c, ut.Columns)
		}
	}
	// g1 in s1: counts 5,0 -> detected strictly above 0 in 1 of 2 cells.
	iS1 := columnIndex(ut, "s1.frq")
	if ut.Rows[0][iS1] != "0.5" {
		t.Errorf("g1 s1.frq = %q, want 0.5", ut.Rows[0][iS1])
	}
	// Group frequency for a single-sample group equals the sample value.
	iCtrl := columnIndex(ut, "ctrl.frq")
	if ut.Rows[0][iCtrl] != "0.5" {
		t.Errorf("g1 ctrl.frq = %q, want 0.5", ut.Rows[0][iCtrl])
	}
}

func TestAttachFrequenciesThreshold(t *testing.T) {
	tbl, pb, rs := summaryFixture(t)
	ut, err := Format(rs, Options{
		Bind:              BindRows,
		AttachFrequencies: true,
		FreqThreshold:     1, // strictly above 1
		Table:             tbl,
		Pseudobulk:        pb,
	})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	// g2 values in s1 are 1,1: never strictly above 1.
	iS1 := columnIndex(ut, "s1.frq")
	if ut.Rows[1][iS1] != "0" {
		t.Errorf("g2 s1.frq at threshold 1 = %q, want 0", ut.Rows[1][iS1])
	}
}

func TestAttachMeans(t *testing.T) {
	_, pb, rs := summaryFixture(t)
	ut, err := Format(rs, Options{
		Bind:        BindRows,
		AttachMeans: true,
		Pseudobulk:  pb,
	})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}
	iS1 := columnIndex(ut, "s1.cpm")
	if iS1 < 0 {
		t.Fatalf("Missing s1.cpm column: %v", ut.Columns)
	}
	// g1 in s1: 5 of library 7, rounded to 6 significant digits.
	if ut.Rows[0][iS1] != "714286" {
		t.Errorf("g1 s1.cpm = %q, want 714286", ut.Rows[0][iS1])
	}
}

func TestAttachRequiresInputs(t *testing.T) {
	rs := testResultSet()
	if _, err := Format(rs, Options{AttachFrequencies: true}); err == nil {
		t.Error("Expected error without the expression table")
	}
	if _, err := Format(rs, Options{AttachMeans: true}); err == nil {
		t.Error("Expected error without the pseudobulk aggregate")
	}
}

func TestWriteFileGzip(t *testing.T) {
	rs := testResultSet()
	ut, err := Format(rs, Options{Bind: BindRows})
	if err != nil {
		t.Fatalf("Format failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "out.tsv.gz")
	if err := ut.WriteFile(path); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("Not gzip: %v", err)
	}
	data, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	// A truncated footer means the stream close never made it to disk.
	if err := zr.Close(); err != nil {
		t.Fatalf("Gzip stream corrupt: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 7 {
		t.Errorf("Expected header + 6 rows, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "gene\tcluster_id") {
		t.Errorf("Unexpected header: %q", lines[0])
	}
}
