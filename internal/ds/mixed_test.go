package ds

import (
	"math"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/pbulk/server/internal/data/scexpr"
)

// mixedTable builds a cell-level table with one well-populated cluster k1
// (six samples, 20 cells each, three per group) and a tiny cluster k2 that
// cannot pass the sample filter. Gene "up" is strongly elevated in stim,
// the "n*" genes are exactly balanced, "sparse" is detected in too few
// cells, "edge" sits exactly on the detection threshold, and "bal" tops up
// every cell to the same library size so normalization is a no-op.
func mixedTable(t *testing.T) *scexpr.Table {
	t.Helper()

	samples := []string{"m1", "m2", "m3", "m4", "m5", "m6"}
	groupOfSample := map[string]string{
		"m1": "ctrl", "m2": "ctrl", "m3": "ctrl",
		"m4": "stim", "m5": "stim", "m6": "stim",
	}
	const cellsPerSample = 20

	var (
		cellIDs  []string
		obsSamp  []string
		obsClust []string
		obsGroup []string
	)
	for _, s := range samples {
		for l := 0; l < cellsPerSample; l++ {
			cellIDs = append(cellIDs, s+"_c"+string(rune('a'+l/10))+string(rune('0'+l%10)))
			obsSamp = append(obsSamp, s)
			obsClust = append(obsClust, "k1")
			obsGroup = append(obsGroup, groupOfSample[s])
		}
	}
	// Five extra cells in a cluster too small to test.
	for l := 0; l < 5; l++ {
		cellIDs = append(cellIDs, "m1_x"+string(rune('0'+l)))
		obsSamp = append(obsSamp, "m1")
		obsClust = append(obsClust, "k2")
		obsGroup = append(obsGroup, "ctrl")
	}

	nCells := len(cellIDs)
	genes := []string{"up", "n1", "n2", "n3", "sparse", "edge", "bal"}
	counts := make([]float64, len(genes)*nCells)
	set := func(g, c int, v float64) { counts[g*nCells+c] = v }

	for c := 0; c < nCells; c++ {
		sampleIdx := c / cellsPerSample
		l := c % cellsPerSample
		if c >= 6*cellsPerSample {
			sampleIdx, l = 0, c-6*cellsPerSample
		}
		stim := sampleIdx >= 3 && c < 6*cellsPerSample

		if stim {
			set(0, c, 40+float64(l%2))
		} else {
			set(0, c, 2+float64(l%2))
		}
		set(1, c, 100+float64(l%3))
		set(2, c, 80+float64(l%2))
		set(3, c, 120+float64(l%3))
		if l < 3 {
			set(4, c, 1)
		}
		if l < 4 && sampleIdx < 5 && c < 6*cellsPerSample {
			set(5, c, 1)
		}
		// Equalize every cell's library size.
		var tot float64
		for g := 0; g < 6; g++ {
			tot += counts[g*nCells+c]
		}
		set(6, c, 400-tot)
	}

	tbl, err := scexpr.NewTable(scexpr.TableInput{
		Genes:  genes,
		Cells:  cellIDs,
		Counts: counts,
		Obs: map[string][]string{
			scexpr.ObsSample:  obsSamp,
			scexpr.ObsCluster: obsClust,
			scexpr.ObsGroup:   obsGroup,
		},
	})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	return tbl
}

func TestMixedLogNorm(t *testing.T) {
	tbl := mixedTable(t)
	cfg := DefaultMMConfig()
	cfg.Workers = 2
	rs, err := TestMixed(tbl, cfg)
	if err != nil {
		t.Fatalf("TestMixed failed: %v", err)
	}

	if len(rs.Comparisons) != 1 || rs.Comparisons[0] != "stim" {
		t.Fatalf("Comparisons = %v, want [stim]", rs.Comparisons)
	}

	// k2 has a single sample with 5 cells; the whole cluster is excluded.
	foundK2 := false
	for _, e := range rs.Excluded {
		if e.Cluster == "k2" && e.Gene == "*" {
			foundK2 = true
			if !strings.Contains(e.Reason, "insufficient data") {
				t.Errorf("Unexpected k2 exclusion reason: %q", e.Reason)
			}
		}
	}
	if !foundK2 {
		t.Error("Expected cluster-wide exclusion for k2")
	}
	if rs.Table("stim", "k2") != nil {
		t.Error("Excluded cluster should have no table")
	}

	k1 := rs.Table("stim", "k1")
	if k1 == nil {
		t.Fatal("Missing table for k1")
	}

	// "sparse" is detected in 18 < 20 cells.
	foundSparse := false
	for _, e := range rs.Excluded {
		if e.Cluster == "k1" && e.Gene == "sparse" {
			foundSparse = true
			if !strings.Contains(e.Reason, "low detection") {
				t.Errorf("Unexpected sparse exclusion reason: %q", e.Reason)
			}
		}
	}
	if !foundSparse {
		t.Error("Expected sparse gene exclusion")
	}

	// "edge" is detected in exactly MinCells cells and must be tested.
	findRow(t, k1, "edge")

	up := findRow(t, k1, "up")
	if up.LogFC < 2 {
		t.Errorf("Planted gene logFC = %v, want > 2", up.LogFC)
	}
	if up.PVal > 0.05 {
		t.Errorf("Planted gene p = %v, want < 0.05", up.PVal)
	}
	if up.PAdjLoc > 0.05 {
		t.Errorf("Planted gene p_adj.loc = %v, want < 0.05", up.PAdjLoc)
	}

	n1 := findRow(t, k1, "n1")
	if math.Abs(n1.LogFC) > 1e-6 {
		t.Errorf("Balanced gene logFC = %v, want 0", n1.LogFC)
	}
	if n1.PVal < up.PVal {
		t.Errorf("Balanced gene p %v below planted gene p %v", n1.PVal, up.PVal)
	}
}

func TestMixedMinCount(t *testing.T) {
	tbl := mixedTable(t)
	cfg := DefaultMMConfig()
	cfg.Workers = 2
	cfg.MinCount = 2
	rs, err := TestMixed(tbl, cfg)
	if err != nil {
		t.Fatalf("TestMixed failed: %v", err)
	}

	// "edge" is detected in MinCells cells but only at count 1, so raising
	// the expression cutoff above 1 drops it below the detection filter.
	found := false
	for _, e := range rs.Excluded {
		if e.Cluster == "k1" && e.Gene == "edge" {
			found = true
			if !strings.Contains(e.Reason, "low detection") {
				t.Errorf("Unexpected edge exclusion reason: %q", e.Reason)
			}
		}
	}
	if !found {
		t.Error("Expected edge gene exclusion at MinCount=2")
	}

	k1 := rs.Table("stim", "k1")
	if k1 == nil {
		t.Fatal("Missing table for k1")
	}
	for _, r := range k1.Rows {
		if r.Gene == "edge" {
			t.Errorf("Gene below the count cutoff was tested: %+v", r)
		}
	}

	// "up" never drops below count 2 and stays in.
	findRow(t, k1, "up")
}

func TestMixedVST(t *testing.T) {
	tbl := mixedTable(t)
	cfg := DefaultMMConfig()
	cfg.Family = FamilyVST
	rs, err := TestMixed(tbl, cfg)
	if err != nil {
		t.Fatalf("TestMixed failed: %v", err)
	}
	up := findRow(t, rs.Table("stim", "k1"), "up")
	if up.LogFC <= 0 {
		t.Errorf("Planted gene effect = %v, want positive", up.LogFC)
	}
	if up.PVal > 0.05 {
		t.Errorf("Planted gene p = %v, want < 0.05", up.PVal)
	}
}

func TestMixedPoisson(t *testing.T) {
	tbl := mixedTable(t)
	cfg := DefaultMMConfig()
	cfg.Family = FamilyPoisson
	cfg.MaxIter = 60
	rs, err := TestMixed(tbl, cfg)
	if err != nil {
		t.Fatalf("TestMixed failed: %v", err)
	}
	k1 := rs.Table("stim", "k1")
	if k1 == nil {
		t.Fatal("Missing table for k1")
	}
	for _, e := range rs.Excluded {
		if e.Cluster == "k1" && e.Gene == "up" {
			t.Fatalf("Planted gene excluded: %q", e.Reason)
		}
	}
	up := findRow(t, k1, "up")
	// Rate ratio about 16x on equal library sizes.
	if up.LogFC < 1.5 {
		t.Errorf("Planted gene logFC = %v, want > 1.5", up.LogFC)
	}
}

func TestMixedBetweenWithinDF(t *testing.T) {
	tbl := mixedTable(t)
	cfg := DefaultMMConfig()
	cfg.DF = DFBetweenWithin
	rs, err := TestMixed(tbl, cfg)
	if err != nil {
		t.Fatalf("TestMixed failed: %v", err)
	}
	up := findRow(t, rs.Table("stim", "k1"), "up")
	// 6 samples, 2 fixed effects: df = 4 is small but the signal is strong.
	if up.PVal > 0.05 {
		t.Errorf("Planted gene p = %v with between-within df, want < 0.05", up.PVal)
	}
}

func TestMixedSingleGroupCluster(t *testing.T) {
	// All cells from one group: the comparison is undefined for the
	// cluster and it is excluded as a whole.
	var (
		cellIDs  []string
		obsSamp  []string
		obsClust []string
		obsGroup []string
		counts   []float64
	)
	genes := []string{"g1"}
	for s := 0; s < 2; s++ {
		for l := 0; l < 15; l++ {
			cellIDs = append(cellIDs, "s"+string(rune('1'+s))+"_"+string(rune('a'+l)))
			obsSamp = append(obsSamp, "s"+string(rune('1'+s)))
			obsClust = append(obsClust, "k1")
			obsGroup = append(obsGroup, "ctrl")
		}
	}
	// One stim cell in another cluster so the table has two group levels.
	cellIDs = append(cellIDs, "s3_a")
	obsSamp = append(obsSamp, "s3")
	obsClust = append(obsClust, "k2")
	obsGroup = append(obsGroup, "stim")

	for range cellIDs {
		counts = append(counts, 5)
	}

	tbl, err := scexpr.NewTable(scexpr.TableInput{
		Genes: genes, Cells: cellIDs, Counts: counts,
		Obs: map[string][]string{
			scexpr.ObsSample:  obsSamp,
			scexpr.ObsCluster: obsClust,
			scexpr.ObsGroup:   obsGroup,
		},
	})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}

	rs, err := TestMixed(tbl, DefaultMMConfig())
	if err != nil {
		t.Fatalf("TestMixed failed: %v", err)
	}
	found := false
	for _, e := range rs.Excluded {
		if e.Cluster == "k1" && e.Gene == "*" && strings.Contains(e.Reason, "single group") {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected single-group exclusion for k1, got %v", rs.Excluded)
	}
}

func TestMixedTooFewGroups(t *testing.T) {
	tbl, err := scexpr.NewTable(scexpr.TableInput{
		Genes:  []string{"g1"},
		Cells:  []string{"c1", "c2"},
		Counts: []float64{1, 2},
		Obs: map[string][]string{
			scexpr.ObsSample:  {"s1", "s2"},
			scexpr.ObsCluster: {"k1", "k1"},
			scexpr.ObsGroup:   {"ctrl", "ctrl"},
		},
	})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	if _, err := TestMixed(tbl, DefaultMMConfig()); err == nil {
		t.Error("Expected error for a single group level")
	}
}

func TestFitLMMRecoversGroupDifference(t *testing.T) {
	// Two samples per group, ten cells each, clean separation. The fitted
	// fixed effect equals the group mean difference when there is no
	// between-sample variance.
	n := 40
	d := &lmmData{
		y:        make([]float64, n),
		w:        ones(n),
		sample:   make([]int, n),
		nSamples: 4,
		n:        n,
		p:        2,
	}
	xRaw := make([]float64, n*2)
	for i := 0; i < n; i++ {
		s := i / 10
		d.sample[i] = s
		xRaw[i*2] = 1
		if s >= 2 {
			xRaw[i*2+1] = 1
			d.y[i] = 5 + float64(i%3)*0.1
		} else {
			d.y[i] = 2 + float64(i%3)*0.1
		}
	}
	d.x = mat.NewDense(n, 2, xRaw)

	fit, err := fitLMM(d)
	if err != nil {
		t.Fatalf("fitLMM failed: %v", err)
	}
	if math.Abs(fit.beta[1]-3) > 1e-6 {
		t.Errorf("Fixed effect = %v, want 3", fit.beta[1])
	}
	if fit.vbetaLast <= 0 {
		t.Errorf("Contrast variance = %v, want positive", fit.vbetaLast)
	}
	if df := fit.dfFor(DFSatterthwaite, 4, 2); df < 1 {
		t.Errorf("Satterthwaite df = %v, want >= 1", df)
	}
}
