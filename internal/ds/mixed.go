package ds

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/pbulk/server/internal/data/scexpr"
)

// MMFamily selects the model family for the mixed-model path.
type MMFamily string

const (
	// FamilyLogNorm fits a linear mixed model on log-normalized expression
	// with per-cell observation weights.
	FamilyLogNorm MMFamily = "lognorm"
	// FamilyVST fits a linear mixed model on variance-stabilized counts.
	FamilyVST MMFamily = "vst"
	// FamilyPoisson fits a Poisson GLMM on raw counts by penalized
	// quasi-likelihood.
	FamilyPoisson MMFamily = "glmm"
)

// DFMethod selects the degrees-of-freedom approximation for the fixed
// effect test.
type DFMethod string

const (
	// DFSatterthwaite approximates the degrees of freedom from the
	// variance of the contrast variance estimate.
	DFSatterthwaite DFMethod = "satterthwaite"
	// DFBetweenWithin uses samples minus fixed-effect parameters.
	DFBetweenWithin DFMethod = "between-within"
)

// MMConfig configures the mixed-model test path.
type MMConfig struct {
	Family MMFamily
	DF     DFMethod

	// A cluster is tested only if at least NCells cells are present in at
	// least NSamples distinct samples.
	NCells   int
	NSamples int

	// A gene is tested only if it has count >= MinCount in at least
	// MinCells cells of the cluster.
	MinCount float64
	MinCells int

	// MaxIter bounds the PQL iteration for FamilyPoisson.
	MaxIter int

	// Workers bounds the number of clusters fit concurrently; <= 0 means
	// sequential.
	Workers int
}

// DefaultMMConfig returns the default mixed-model settings.
func DefaultMMConfig() MMConfig {
	return MMConfig{
		Family:   FamilyLogNorm,
		DF:       DFSatterthwaite,
		NCells:   10,
		NSamples: 2,
		MinCount: 1,
		MinCells: 20,
		MaxIter:  25,
	}
}

// TestMixed fits, per cluster and per gene, a model with a fixed group
// effect and a random intercept per sample, directly on cell-level data.
// The fixed effect is the last group level against the reference, fit by
// maximum likelihood. Failed or filtered gene/cluster pairs are recorded
// in the exclusion list, never aborting the run.
func TestMixed(t *scexpr.Table, cfg MMConfig) (*ResultSet, error) {
	if t.NCells() == 0 || t.NGenes() == 0 {
		return nil, scexpr.ErrEmptyInput
	}
	if cfg.MaxIter <= 0 {
		cfg.MaxIter = 25
	}

	clusters, err := t.ObsLevels(scexpr.ObsCluster)
	if err != nil {
		return nil, err
	}
	groups, err := t.ObsLevels(scexpr.ObsGroup)
	if err != nil {
		return nil, err
	}
	if len(groups) < 2 {
		return nil, fmt.Errorf("ds: mixed model needs at least two groups, got %d", len(groups))
	}
	comparison := groups[len(groups)-1]
	groupOf := t.GroupOf()

	clusterVals, _ := t.Obs(scexpr.ObsCluster)
	sampleVals, _ := t.Obs(scexpr.ObsSample)
	libs := t.LibrarySizes()

	rs := &ResultSet{
		Comparisons: []string{comparison},
		Clusters:    append([]string(nil), clusters...),
		Tables:      map[string]map[string]*ClusterTable{comparison: make(map[string]*ClusterTable)},
	}

	type clusterFit struct {
		tbl  *ClusterTable
		excl []Exclusion
	}
	fits := make([]clusterFit, len(clusters))
	g, _ := errgroup.WithContext(context.Background())
	if cfg.Workers > 0 {
		g.SetLimit(cfg.Workers)
	} else {
		g.SetLimit(1)
	}
	for i, cluster := range clusters {
		i, cluster := i, cluster
		g.Go(func() error {
			tbl, excl := testClusterMM(t, cfg, cluster, clusterVals, sampleVals, groupOf, groups, libs)
			fits[i] = clusterFit{tbl: tbl, excl: excl}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i, cluster := range clusters {
		rs.Excluded = append(rs.Excluded, fits[i].excl...)
		if tbl := fits[i].tbl; tbl != nil {
			sortRows(tbl.Rows)
			rs.Tables[comparison][cluster] = tbl
		}
	}

	adjustLocal(rs.Tables[comparison])
	adjustGlobal(rs.Tables[comparison], rs.Clusters)
	return rs, nil
}

func testClusterMM(t *scexpr.Table, cfg MMConfig, cluster string, clusterVals, sampleVals []string, groupOf map[string]string, groups []string, libs []float64) (*ClusterTable, []Exclusion) {
	// Cells of this cluster, kept only for samples with enough cells.
	bySample := make(map[string][]int)
	for c, v := range clusterVals {
		if v == cluster {
			bySample[sampleVals[c]] = append(bySample[sampleVals[c]], c)
		}
	}
	var samples []string
	for s, cells := range bySample {
		if len(cells) >= cfg.NCells {
			samples = append(samples, s)
		}
	}
	sort.Strings(samples)
	if len(samples) < cfg.NSamples {
		return nil, []Exclusion{{Gene: "*", Cluster: cluster, Reason: fmt.Sprintf("insufficient data: %d samples with >= %d cells", len(samples), cfg.NCells)}}
	}

	// Need both sides of the comparison among the kept samples.
	seen := make(map[string]bool)
	for _, s := range samples {
		seen[groupOf[s]] = true
	}
	if len(seen) < 2 {
		return nil, []Exclusion{{Gene: "*", Cluster: cluster, Reason: "insufficient data: single group after filtering"}}
	}

	var (
		cells     []int
		sampleIdx []int
	)
	for i, s := range samples {
		for _, c := range bySample[s] {
			cells = append(cells, c)
			sampleIdx = append(sampleIdx, i)
		}
	}
	n := len(cells)

	// Per-cell fixed-effects design: intercept + group indicators.
	p := len(groups)
	x := mat.NewDense(n, p, nil)
	for i, c := range cells {
		x.Set(i, 0, 1)
		g := groupOf[sampleVals[c]]
		for j := 1; j < p; j++ {
			if g == groups[j] {
				x.Set(i, j, 1)
			}
		}
	}

	cellLibs := make([]float64, n)
	var meanLib float64
	for i, c := range cells {
		cellLibs[i] = libs[c]
		meanLib += libs[c]
	}
	meanLib /= float64(n)
	medLib := median(cellLibs)

	tbl := &ClusterTable{Cluster: cluster, Comparison: groups[len(groups)-1]}
	var excl []Exclusion

	counts := make([]float64, n)
	for g := 0; g < t.NGenes(); g++ {
		gene := t.Genes()[g]
		detected := 0
		for i, c := range cells {
			counts[i] = t.Value("counts", g, c)
			if counts[i] >= cfg.MinCount {
				detected++
			}
		}
		if detected < cfg.MinCells {
			excl = append(excl, Exclusion{Gene: gene, Cluster: cluster, Reason: "insufficient data: low detection"})
			continue
		}

		d := &lmmData{sample: sampleIdx, nSamples: len(samples), x: x, n: n, p: p}
		var fit *lmmFit
		var ferr error
		switch cfg.Family {
		case FamilyVST:
			d.y = make([]float64, n)
			d.w = ones(n)
			for i, v := range counts {
				d.y[i] = 2 * math.Sqrt(v+0.375)
			}
			fit, ferr = fitLMM(d)
		case FamilyPoisson:
			fit, ferr = fitPQL(d, counts, cellLibs, meanLib, cfg.MaxIter)
		default: // FamilyLogNorm
			d.y = make([]float64, n)
			d.w = make([]float64, n)
			for i, v := range counts {
				d.y[i] = math.Log2(1 + v/cellLibs[i]*medLib)
				d.w[i] = cellLibs[i] / meanLib
			}
			fit, ferr = fitLMM(d)
		}
		if ferr != nil {
			excl = append(excl, Exclusion{Gene: gene, Cluster: cluster, Reason: "model fit failure: " + ferr.Error()})
			continue
		}

		est := fit.beta[p-1]
		se := math.Sqrt(fit.vbetaLast)
		if !(se > 0) || math.IsNaN(est) {
			excl = append(excl, Exclusion{Gene: gene, Cluster: cluster, Reason: "model fit failure: degenerate contrast variance"})
			continue
		}

		df := fit.dfFor(cfg.DF, len(samples), p)
		tstat := est / se
		td := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
		pval := 2 * td.CDF(-math.Abs(tstat))

		logfc := est
		if cfg.Family == FamilyPoisson {
			logfc = est / math.Ln2
		}
		tbl.Rows = append(tbl.Rows, GeneResult{
			Gene:       gene,
			Cluster:    cluster,
			Comparison: tbl.Comparison,
			LogFC:      logfc,
			PVal:       pval,
		})
	}
	return tbl, excl
}

func ones(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	return w
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// lmmData is one gene's cell-level regression problem: response y with
// observation weights w, a random intercept per sample, and fixed-effects
// design x.
type lmmData struct {
	y, w    []float64
	sample  []int
	nSamples int
	x       *mat.Dense
	n, p    int
}

// lmmFit is a maximum-likelihood fit of the random-intercept model.
type lmmFit struct {
	beta      []float64
	sigma2    float64 // residual variance
	lambda    float64 // variance ratio sigma_b^2 / sigma^2
	ll        float64
	vbetaLast float64 // Var of the last fixed-effect coefficient
	blup      []float64

	satterthwaiteDF float64
}

func (f *lmmFit) dfFor(method DFMethod, nSamples, p int) float64 {
	bw := float64(nSamples - p)
	if bw < 1 {
		bw = 1
	}
	if method == DFBetweenWithin {
		return bw
	}
	if f.satterthwaiteDF >= 1 && !math.IsNaN(f.satterthwaiteDF) && !math.IsInf(f.satterthwaiteDF, 0) {
		return f.satterthwaiteDF
	}
	return bw
}

// glsParts are the sufficient statistics of the GLS problem at a fixed
// variance ratio lambda, computed blockwise with the Woodbury identity:
// Vlam^-1 = W - lambda (W 1)(1' W)/(1 + lambda sum(w)) per sample block.
type glsParts struct {
	a       *mat.Dense // X' Vlam^-1 X
	b       *mat.VecDense
	yty     float64
	logdetV float64
}

func (d *lmmData) glsAt(lambda float64) *glsParts {
	p := d.p
	a := mat.NewDense(p, p, nil)
	b := mat.NewVecDense(p, nil)
	var yty, logdet float64

	sw := make([]float64, d.nSamples)
	sx := make([]*mat.VecDense, d.nSamples)
	sy := make([]float64, d.nSamples)
	for j := range sx {
		sx[j] = mat.NewVecDense(p, nil)
	}

	xi := make([]float64, p)
	for i := 0; i < d.n; i++ {
		w := d.w[i]
		j := d.sample[i]
		for c := 0; c < p; c++ {
			xi[c] = d.x.At(i, c)
		}
		for r := 0; r < p; r++ {
			for c := 0; c < p; c++ {
				a.Set(r, c, a.At(r, c)+w*xi[r]*xi[c])
			}
			b.SetVec(r, b.AtVec(r)+w*xi[r]*d.y[i])
			sx[j].SetVec(r, sx[j].AtVec(r)+w*xi[r])
		}
		yty += w * d.y[i] * d.y[i]
		sw[j] += w
		sy[j] += w * d.y[i]
		logdet -= math.Log(w)
	}

	for j := 0; j < d.nSamples; j++ {
		shrink := lambda / (1 + lambda*sw[j])
		for r := 0; r < p; r++ {
			for c := 0; c < p; c++ {
				a.Set(r, c, a.At(r, c)-shrink*sx[j].AtVec(r)*sx[j].AtVec(c))
			}
			b.SetVec(r, b.AtVec(r)-shrink*sx[j].AtVec(r)*sy[j])
		}
		yty -= shrink * sy[j] * sy[j]
		logdet += math.Log(1 + lambda*sw[j])
	}
	return &glsParts{a: a, b: b, yty: yty, logdetV: logdet}
}

// profileLL is the log-likelihood at lambda with beta and sigma^2 profiled
// out. It also returns the GLS solution used downstream.
func (d *lmmData) profileLL(lambda float64) (ll float64, beta *mat.VecDense, sigma2 float64, parts *glsParts, err error) {
	parts = d.glsAt(lambda)
	beta = mat.NewVecDense(d.p, nil)
	var ch mat.Cholesky
	sym := denseToSym(parts.a)
	if !ch.Factorize(sym) {
		return math.Inf(-1), nil, 0, parts, fmt.Errorf("singular fixed-effects system")
	}
	if err := ch.SolveVecTo(beta, parts.b); err != nil {
		return math.Inf(-1), nil, 0, parts, err
	}
	rss := parts.yty - mat.Dot(beta, parts.b)
	if rss <= 0 {
		rss = 1e-12
	}
	sigma2 = rss / float64(d.n)
	ll = -0.5*float64(d.n)*(math.Log(2*math.Pi*sigma2)+1) - 0.5*parts.logdetV
	return ll, beta, sigma2, parts, nil
}

func denseToSym(a *mat.Dense) *mat.SymDense {
	n, _ := a.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	return s
}

// fitLMM maximizes the profile likelihood over the variance ratio with a
// coarse grid followed by golden-section refinement, then derives the
// contrast variance and the Satterthwaite degrees of freedom.
func fitLMM(d *lmmData) (*lmmFit, error) {
	eval := func(lambda float64) float64 {
		ll, _, _, _, err := d.profileLL(lambda)
		if err != nil {
			return math.Inf(-1)
		}
		return ll
	}

	// Coarse grid over the ratio, including the boundary at zero.
	grid := []float64{0, 1e-4, 1e-3, 1e-2, 0.1, 0.5, 1, 2, 5, 10, 50, 100, 1e3, 1e4}
	best, bestLL := 0.0, math.Inf(-1)
	bestIdx := 0
	for i, l := range grid {
		if ll := eval(l); ll > bestLL {
			bestLL, best, bestIdx = ll, l, i
		}
	}
	if math.IsInf(bestLL, -1) {
		return nil, fmt.Errorf("likelihood not finite")
	}

	lo := 0.0
	hi := grid[len(grid)-1] * 10
	if bestIdx > 0 {
		lo = grid[bestIdx-1]
	}
	if bestIdx < len(grid)-1 {
		hi = grid[bestIdx+1]
	}
	lambda := goldenMax(eval, lo, hi, 1e-7)
	if eval(lambda) < bestLL {
		lambda = best
	}

	ll, beta, sigma2, parts, err := d.profileLL(lambda)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(ll) || math.IsInf(ll, 0) {
		return nil, fmt.Errorf("likelihood not finite at optimum")
	}

	var ainv mat.Dense
	if err := ainv.Inverse(parts.a); err != nil {
		return nil, fmt.Errorf("singular fixed-effects system: %w", err)
	}
	vlast := sigma2 * ainv.At(d.p-1, d.p-1)

	fit := &lmmFit{
		beta:      vecSlice(beta),
		sigma2:    sigma2,
		lambda:    lambda,
		ll:        ll,
		vbetaLast: vlast,
		blup:      d.blup(lambda, beta),
	}
	fit.satterthwaiteDF = d.satterthwaite(fit)
	return fit, nil
}

func vecSlice(v *mat.VecDense) []float64 {
	out := make([]float64, v.Len())
	for i := range out {
		out[i] = v.AtVec(i)
	}
	return out
}

// blup returns the empirical best linear unbiased predictor of the random
// intercepts at the fitted variance ratio.
func (d *lmmData) blup(lambda float64, beta *mat.VecDense) []float64 {
	sw := make([]float64, d.nSamples)
	sr := make([]float64, d.nSamples)
	for i := 0; i < d.n; i++ {
		var fitted float64
		for c := 0; c < d.p; c++ {
			fitted += d.x.At(i, c) * beta.AtVec(c)
		}
		j := d.sample[i]
		sw[j] += d.w[i]
		sr[j] += d.w[i] * (d.y[i] - fitted)
	}
	b := make([]float64, d.nSamples)
	for j := range b {
		b[j] = lambda * sr[j] / (1 + lambda*sw[j])
	}
	return b
}

// fullLL evaluates the likelihood at explicit variance components
// theta = (sigma^2, sigma_b^2), with beta profiled out.
func (d *lmmData) fullLL(sigma2, sigmaB2 float64) float64 {
	if sigma2 <= 0 || sigmaB2 < 0 {
		return math.Inf(-1)
	}
	lambda := sigmaB2 / sigma2
	parts := d.glsAt(lambda)
	beta := mat.NewVecDense(d.p, nil)
	var ch mat.Cholesky
	if !ch.Factorize(denseToSym(parts.a)) {
		return math.Inf(-1)
	}
	if err := ch.SolveVecTo(beta, parts.b); err != nil {
		return math.Inf(-1)
	}
	rss := parts.yty - mat.Dot(beta, parts.b)
	return -0.5 * (float64(d.n)*math.Log(2*math.Pi*sigma2) + parts.logdetV + rss/sigma2)
}

// contrastVar returns Var(beta_last) at explicit variance components.
func (d *lmmData) contrastVar(sigma2, sigmaB2 float64) float64 {
	lambda := sigmaB2 / sigma2
	parts := d.glsAt(lambda)
	var ainv mat.Dense
	if err := ainv.Inverse(parts.a); err != nil {
		return math.NaN()
	}
	return sigma2 * ainv.At(d.p-1, d.p-1)
}

// satterthwaite approximates the degrees of freedom of the last fixed
// effect as 2*v^2 / Var(v), where v is the contrast variance and Var(v) is
// obtained by the delta method from finite-difference derivatives and the
// inverse observed information of the variance components. Returns NaN
// when the approximation is unusable; callers fall back to between-within.
func (d *lmmData) satterthwaite(fit *lmmFit) float64 {
	s2 := fit.sigma2
	sb2 := fit.lambda * fit.sigma2
	h1 := 1e-4 * s2
	h2 := 1e-4 * (sb2 + s2)

	// Gradient of the contrast variance.
	g1 := (d.contrastVar(s2+h1, sb2) - d.contrastVar(s2-h1, sb2)) / (2 * h1)
	g2 := (d.contrastVar(s2, sb2+h2) - d.contrastVar(s2, math.Max(sb2-h2, 0))) / (h2 + math.Min(sb2, h2))

	// Observed information of (sigma^2, sigma_b^2).
	f := func(a, b float64) float64 { return d.fullLL(a, b) }
	f0 := f(s2, sb2)
	h11 := -(f(s2+h1, sb2) - 2*f0 + f(s2-h1, sb2)) / (h1 * h1)
	h22 := -(f(s2, sb2+h2) - 2*f0 + f(s2, math.Max(sb2-h2, 0))) / (h2 * h2)
	h12 := -(f(s2+h1, sb2+h2) - f(s2+h1, math.Max(sb2-h2, 0)) - f(s2-h1, sb2+h2) + f(s2-h1, math.Max(sb2-h2, 0))) / (4 * h1 * h2)

	det := h11*h22 - h12*h12
	if !(det > 0) || !(h11 > 0) {
		return math.NaN()
	}
	// varTheta = H^-1
	v11 := h22 / det
	v22 := h11 / det
	v12 := -h12 / det

	varV := g1*g1*v11 + 2*g1*g2*v12 + g2*g2*v22
	if !(varV > 0) {
		return math.NaN()
	}
	v := fit.vbetaLast
	df := 2 * v * v / varV
	if df < 1 {
		df = 1
	}
	// A huge df is numerically indistinguishable from normal; cap it to
	// keep the t distribution well behaved.
	if df > 1e6 {
		df = 1e6
	}
	return df
}

// goldenMax maximizes f on [lo, hi] by golden-section search.
func goldenMax(f func(float64) float64, lo, hi, tol float64) float64 {
	const phi = 0.6180339887498949
	a, b := lo, hi
	c := b - phi*(b-a)
	d := a + phi*(b-a)
	fc, fd := f(c), f(d)
	for i := 0; i < 100 && (b-a) > tol*(1+b); i++ {
		if fc > fd {
			b, d, fd = d, c, fc
			c = b - phi*(b-a)
			fc = f(c)
		} else {
			a, c, fc = c, d, fd
			d = a + phi*(b-a)
			fd = f(d)
		}
	}
	return (a + b) / 2
}

// fitPQL fits a Poisson GLMM with log link and library-size offset by
// penalized quasi-likelihood: iterate a weighted LMM on the working
// response until the linear predictor stabilizes.
func fitPQL(d *lmmData, counts, cellLibs []float64, meanLib float64, maxIter int) (*lmmFit, error) {
	n := d.n
	offset := make([]float64, n)
	for i := range offset {
		offset[i] = math.Log(cellLibs[i] / meanLib)
	}

	eta := make([]float64, n)
	for i := range eta {
		eta[i] = math.Log(counts[i]+0.5) - offset[i]
	}

	d.y = make([]float64, n)
	d.w = make([]float64, n)

	var fit *lmmFit
	for iter := 0; iter < maxIter; iter++ {
		for i := 0; i < n; i++ {
			mu := math.Exp(clamp(eta[i]+offset[i], -30, 30))
			d.y[i] = eta[i] + (counts[i]-mu)/mu
			d.w[i] = mu
		}
		var err error
		fit, err = fitLMM(d)
		if err != nil {
			return nil, fmt.Errorf("pql iteration %d: %w", iter, err)
		}

		maxDelta := 0.0
		for i := 0; i < n; i++ {
			var lin float64
			for c := 0; c < d.p; c++ {
				lin += d.x.At(i, c) * fit.beta[c]
			}
			lin += fit.blup[d.sample[i]]
			if delta := math.Abs(lin - eta[i]); delta > maxDelta {
				maxDelta = delta
			}
			eta[i] = lin
		}
		if maxDelta < 1e-6 {
			return fit, nil
		}
	}
	return nil, fmt.Errorf("pql did not converge in %d iterations", maxIter)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
