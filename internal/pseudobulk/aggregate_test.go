package pseudobulk

import (
	"errors"
	"testing"

	"github.com/pbulk/server/internal/data/scexpr"
)

// 2 genes x 6 cells, two clusters, two samples. Sample s2 has no cells in
// cluster k2.
func testTable(t *testing.T) *scexpr.Table {
	t.Helper()
	tbl, err := scexpr.NewTable(scexpr.TableInput{
		Genes:  []string{"g1", "g2"},
		Cells:  []string{"c1", "c2", "c3", "c4", "c5", "c6"},
		Counts: []float64{1, 2, 3, 4, 5, 6, 10, 20, 30, 40, 50, 60},
		Obs: map[string][]string{
			scexpr.ObsSample:  {"s1", "s1", "s2", "s2", "s1", "s1"},
			scexpr.ObsCluster: {"k1", "k1", "k1", "k1", "k2", "k2"},
			scexpr.ObsGroup:   {"ctrl", "ctrl", "stim", "stim", "ctrl", "ctrl"},
		},
	})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	return tbl
}

func TestAggregateSum(t *testing.T) {
	pb, err := Aggregate(testTable(t), DefaultKeys(), "counts", ReduceSum)
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}

	if len(pb.Clusters) != 2 {
		t.Fatalf("Expected 2 clusters, got %v", pb.Clusters)
	}

	k1 := pb.ByCluster["k1"]
	if k1 == nil {
		t.Fatal("Missing cluster k1")
	}
	if len(k1.Samples) != 2 {
		t.Fatalf("k1 samples = %v, want [s1 s2]", k1.Samples)
	}
	// g1 in k1: s1 cells c1,c2 -> 1+2=3; s2 cells c3,c4 -> 3+4=7
	if got := k1.Value(0, k1.SampleIndex("s1")); got != 3 {
		t.Errorf("k1 g1 s1 = %v, want 3", got)
	}
	if got := k1.Value(0, k1.SampleIndex("s2")); got != 7 {
		t.Errorf("k1 g1 s2 = %v, want 7", got)
	}
	// g2 in k1 s1: 10+20=30
	if got := k1.Value(1, k1.SampleIndex("s1")); got != 30 {
		t.Errorf("k1 g2 s1 = %v, want 30", got)
	}

	// Cluster k2 has only s1 cells; s2 column must be omitted entirely.
	k2 := pb.ByCluster["k2"]
	if k2 == nil {
		t.Fatal("Missing cluster k2")
	}
	if len(k2.Samples) != 1 || k2.Samples[0] != "s1" {
		t.Errorf("k2 samples = %v, want only s1", k2.Samples)
	}
	if got := k2.Value(0, 0); got != 11 {
		t.Errorf("k2 g1 s1 = %v, want 11", got)
	}
	if k2.CellCounts[0] != 2 {
		t.Errorf("k2 cell count = %d, want 2", k2.CellCounts[0])
	}
}

func TestAggregateMeanMedian(t *testing.T) {
	tbl := testTable(t)

	mean, err := Aggregate(tbl, DefaultKeys(), "counts", ReduceMean)
	if err != nil {
		t.Fatalf("Aggregate mean failed: %v", err)
	}
	k1 := mean.ByCluster["k1"]
	if got := k1.Value(0, k1.SampleIndex("s1")); got != 1.5 {
		t.Errorf("mean k1 g1 s1 = %v, want 1.5", got)
	}

	med, err := Aggregate(tbl, DefaultKeys(), "counts", ReduceMedian)
	if err != nil {
		t.Fatalf("Aggregate median failed: %v", err)
	}
	k1 = med.ByCluster["k1"]
	// Even partition size: median of {1, 2} is 1.5
	if got := k1.Value(0, k1.SampleIndex("s1")); got != 1.5 {
		t.Errorf("median k1 g1 s1 = %v, want 1.5", got)
	}
}

func TestAggregateDeterministic(t *testing.T) {
	tbl := testTable(t)
	a, err := Aggregate(tbl, DefaultKeys(), "counts", ReduceSum)
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	b, err := Aggregate(tbl, DefaultKeys(), "counts", ReduceSum)
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	for i, c := range a.Clusters {
		if b.Clusters[i] != c {
			t.Fatalf("Cluster order differs: %v vs %v", a.Clusters, b.Clusters)
		}
		ma, mb := a.ByCluster[c], b.ByCluster[c]
		for j := range ma.Data {
			if ma.Data[j] != mb.Data[j] {
				t.Fatalf("Cluster %s differs at %d", c, j)
			}
		}
	}
}

func TestAggregateUnknownLayer(t *testing.T) {
	if _, err := Aggregate(testTable(t), DefaultKeys(), "logcounts", ReduceSum); err == nil {
		t.Error("Expected error for unknown layer")
	}
}

func TestAggregateBadKeys(t *testing.T) {
	keys := Keys{Outer: "celltype", Inner: scexpr.ObsSample}
	if _, err := Aggregate(testTable(t), keys, "counts", ReduceSum); !errors.Is(err, scexpr.ErrInvalidGrouping) {
		t.Errorf("Expected ErrInvalidGrouping, got %v", err)
	}
}

func TestParseReducer(t *testing.T) {
	for _, name := range []string{"sum", "mean", "median"} {
		if _, err := ParseReducer(name); err != nil {
			t.Errorf("ParseReducer(%q) failed: %v", name, err)
		}
	}
	if _, err := ParseReducer("max"); err == nil {
		t.Error("Expected error for unknown reducer")
	}
}

func TestMatrixLibrarySizes(t *testing.T) {
	pb, err := Aggregate(testTable(t), DefaultKeys(), "counts", ReduceSum)
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}
	k1 := pb.ByCluster["k1"]
	libs := k1.LibrarySizes()
	// s1: g1 3 + g2 30 = 33; s2: 7 + 70 = 77
	if libs[k1.SampleIndex("s1")] != 33 || libs[k1.SampleIndex("s2")] != 77 {
		t.Errorf("LibrarySizes = %v, want [33 77]", libs)
	}
}
