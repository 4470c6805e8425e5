package ds

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/pbulk/server/internal/pseudobulk"
)

// PBConfig configures the pseudobulk test path.
type PBConfig struct {
	// MinNonzeroSamples excludes a gene from a cluster unless it has a
	// non-zero aggregate in at least this many of the cluster's samples.
	MinNonzeroSamples int
	// Contrasts to test; empty means the design's last coefficient.
	Contrasts []Contrast
	// Workers bounds the number of clusters fit concurrently; <= 0 means
	// sequential.
	Workers int
}

// DefaultPBConfig returns the default pseudobulk test settings.
func DefaultPBConfig() PBConfig {
	return PBConfig{MinNonzeroSamples: 2}
}

// TestPseudobulk fits, per cluster and per gene, a linear model on the
// log2-CPM of the aggregated counts against the design, moderates the
// residual variances empirically, and tests each contrast. Clusters are
// independent; p-values are BH-adjusted within each cluster and globally
// across clusters per comparison.
func TestPseudobulk(pb *pseudobulk.Pseudobulk, design *Design, cfg PBConfig) (*ResultSet, error) {
	if design == nil {
		return nil, fmt.Errorf("ds: nil design")
	}
	contrasts := cfg.Contrasts
	if len(contrasts) == 0 {
		contrasts = []Contrast{design.LastCoef()}
	}
	if cfg.MinNonzeroSamples < 1 {
		cfg.MinNonzeroSamples = 1
	}

	rs := &ResultSet{
		Clusters: append([]string(nil), pb.Clusters...),
		Tables:   make(map[string]map[string]*ClusterTable),
	}
	for _, ct := range contrasts {
		rs.Comparisons = append(rs.Comparisons, ct.Name)
		rs.Tables[ct.Name] = make(map[string]*ClusterTable)
	}

	// Clusters are independent; fit them concurrently and merge in
	// cluster order afterwards so output is deterministic.
	type clusterFit struct {
		tables map[string]*ClusterTable
		excl   []Exclusion
	}
	fits := make([]clusterFit, len(pb.Clusters))
	g, _ := errgroup.WithContext(context.Background())
	if cfg.Workers > 0 {
		g.SetLimit(cfg.Workers)
	} else {
		g.SetLimit(1)
	}
	for i, cluster := range pb.Clusters {
		i, m := i, pb.ByCluster[cluster]
		g.Go(func() error {
			tables, excl, err := fitClusterPB(m, design, contrasts, cfg.MinNonzeroSamples)
			if err != nil {
				return fmt.Errorf("ds: cluster %q: %w", m.Cluster, err)
			}
			fits[i] = clusterFit{tables: tables, excl: excl}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, cluster := range pb.Clusters {
		rs.Excluded = append(rs.Excluded, fits[i].excl...)
		for _, ct := range contrasts {
			if tbl := fits[i].tables[ct.Name]; tbl != nil {
				sortRows(tbl.Rows)
				rs.Tables[ct.Name][cluster] = tbl
			}
		}
	}

	for _, comp := range rs.Comparisons {
		adjustLocal(rs.Tables[comp])
		adjustGlobal(rs.Tables[comp], rs.Clusters)
	}
	return rs, nil
}

// fitClusterPB runs the whole pseudobulk state machine for one cluster:
// FitModel, ApplyContrast, TestStatistic. Adjustment happens in the caller
// once every cluster is done.
func fitClusterPB(m *pseudobulk.Matrix, design *Design, contrasts []Contrast, minNonzero int) (map[string]*ClusterTable, []Exclusion, error) {
	sub, err := design.Subset(m.Samples)
	if err != nil {
		return nil, nil, err
	}
	n := len(m.Samples)
	p := len(sub.Terms)

	tables := make(map[string]*ClusterTable, len(contrasts))
	for _, ct := range contrasts {
		tables[ct.Name] = &ClusterTable{Cluster: m.Cluster, Comparison: ct.Name}
	}

	if n <= p {
		// Not enough samples left in this cluster to estimate the model.
		return tables, []Exclusion{{Gene: "*", Cluster: m.Cluster, Reason: fmt.Sprintf("model fit failure: %d samples for %d coefficients", n, p)}}, nil
	}

	var xtx mat.Dense
	xtx.Mul(sub.X.T(), sub.X)
	var xtxi mat.Dense
	if err := xtxi.Inverse(&xtx); err != nil {
		// Rank-deficient design after dropping empty samples.
		return tables, []Exclusion{{Gene: "*", Cluster: m.Cluster, Reason: "model fit failure: rank-deficient design"}}, nil
	}

	// Unscaled contrast standard errors sqrt(c' (X'X)^-1 c).
	unscaled := make([]float64, len(contrasts))
	for i, ct := range contrasts {
		c := mat.NewVecDense(p, ct.Coef)
		var tmp mat.VecDense
		tmp.MulVec(&xtxi, c)
		unscaled[i] = math.Sqrt(mat.Dot(c, &tmp))
	}

	libs := m.LibrarySizes()
	df := float64(n - p)

	type geneFit struct {
		gene string
		est  []float64 // per contrast
		s2   float64
	}
	var (
		fits []geneFit
		excl []Exclusion
		s2s  []float64
	)

	y := mat.NewVecDense(n, nil)
	var qr mat.QR
	qr.Factorize(sub.X)

	for g, gene := range m.Genes {
		nz := 0
		for s := 0; s < n; s++ {
			if m.Value(g, s) > 0 {
				nz++
			}
		}
		if nz < minNonzero {
			excl = append(excl, Exclusion{Gene: gene, Cluster: m.Cluster, Reason: "insufficient data: low detection"})
			continue
		}

		for s := 0; s < n; s++ {
			y.SetVec(s, log2CPM(m.Value(g, s), libs[s]))
		}

		var beta mat.VecDense
		if err := qr.SolveVecTo(&beta, false, y); err != nil {
			excl = append(excl, Exclusion{Gene: gene, Cluster: m.Cluster, Reason: "model fit failure: " + err.Error()})
			continue
		}

		var fitted mat.VecDense
		fitted.MulVec(sub.X, &beta)
		var rss float64
		for s := 0; s < n; s++ {
			r := y.AtVec(s) - fitted.AtVec(s)
			rss += r * r
		}
		s2 := rss / df
		if math.IsNaN(s2) || math.IsInf(s2, 0) {
			excl = append(excl, Exclusion{Gene: gene, Cluster: m.Cluster, Reason: "model fit failure: non-finite residual variance"})
			continue
		}

		gf := geneFit{gene: gene, s2: s2, est: make([]float64, len(contrasts))}
		for i, ct := range contrasts {
			var e float64
			for j, c := range ct.Coef {
				e += c * beta.AtVec(j)
			}
			gf.est[i] = e
		}
		fits = append(fits, gf)
		s2s = append(s2s, s2)
	}

	d0, s0sq := squeezeVar(s2s, df)
	dfTotal := df + d0
	var tdist distuv.StudentsT
	if math.IsInf(dfTotal, 1) {
		tdist = distuv.StudentsT{Mu: 0, Sigma: 1, Nu: 1e6}
	} else {
		tdist = distuv.StudentsT{Mu: 0, Sigma: 1, Nu: dfTotal}
	}

	for _, gf := range fits {
		vpost := posteriorVar(gf.s2, df, d0, s0sq)
		for i, ct := range contrasts {
			se := math.Sqrt(vpost) * unscaled[i]
			var pval float64
			switch {
			case se > 0:
				t := gf.est[i] / se
				pval = 2 * tdist.CDF(-math.Abs(t))
			case gf.est[i] == 0:
				pval = 1
			default:
				pval = 0
			}
			tables[ct.Name].Rows = append(tables[ct.Name].Rows, GeneResult{
				Gene:       gf.gene,
				Cluster:    m.Cluster,
				Comparison: ct.Name,
				LogFC:      gf.est[i],
				PVal:       pval,
			})
		}
	}
	return tables, excl, nil
}

// log2CPM maps an aggregated count to log2 counts-per-million with the
// usual half-count offset.
func log2CPM(count, lib float64) float64 {
	return math.Log2((count + 0.5) / (lib + 1) * 1e6)
}
