package service

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/pbulk/server/internal/data/scexpr"
	"github.com/pbulk/server/internal/ds"
	"github.com/pbulk/server/internal/dsstore"
	"github.com/pbulk/server/internal/pseudobulk"
)

// DSService runs differential-state analyses.
type DSService struct {
	registry interface {
		Get(datasetID string) *Dataset
	}
	workers int
}

// NewDSService creates a new DS service. workers bounds per-job cluster
// parallelism.
func NewDSService(registry interface{ Get(datasetID string) *Dataset }, workers int) *DSService {
	if workers <= 0 {
		workers = 1
	}
	return &DSService{registry: registry, workers: workers}
}

// ExecuteDSJob runs the DS analysis for a job (called by JobManager
// worker).
func (s *DSService) ExecuteDSJob(ctx context.Context, store *dsstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	dset := s.registry.Get(job.Params.DatasetID)
	if dset == nil {
		return fmt.Errorf("dataset not found: %s", job.Params.DatasetID)
	}
	t := dset.Table

	layer := job.Params.Layer
	if layer == "" {
		layer = "counts"
	}
	reducer, err := pseudobulk.ParseReducer(orDefault(job.Params.Reducer, "sum"))
	if err != nil {
		return err
	}

	// Phase 1: aggregate (also needed by the mixed path to attach
	// summaries).
	store.UpdateJobProgress(jobID, "aggregating", 0, 1)
	pb, err := dset.Pseudobulk(layer, reducer)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 2: fit
	store.UpdateJobProgress(jobID, "fitting", 0, len(pb.Clusters))

	var rs *ds.ResultSet
	switch job.Params.Method {
	case "mixed":
		cfg := ds.DefaultMMConfig()
		if job.Params.Family != "" {
			cfg.Family = ds.MMFamily(job.Params.Family)
		}
		if job.Params.DFMethod != "" {
			cfg.DF = ds.DFMethod(job.Params.DFMethod)
		}
		if job.Params.NCells > 0 {
			cfg.NCells = job.Params.NCells
		}
		if job.Params.NSamples > 0 {
			cfg.NSamples = job.Params.NSamples
		}
		if job.Params.MinCount > 0 {
			cfg.MinCount = job.Params.MinCount
		}
		if job.Params.MinCells > 0 {
			cfg.MinCells = job.Params.MinCells
		}
		cfg.Workers = s.workers
		rs, err = ds.TestMixed(t, cfg)
	case "pseudobulk", "":
		samples, lerr := t.ObsLevels(scexpr.ObsSample)
		if lerr != nil {
			return lerr
		}
		groups, lerr := t.ObsLevels(scexpr.ObsGroup)
		if lerr != nil {
			return lerr
		}
		design, derr := ds.GroupDesign(samples, t.GroupOf(), groups)
		if derr != nil {
			return derr
		}
		cfg := ds.DefaultPBConfig()
		if job.Params.MinNonzeroSamples > 0 {
			cfg.MinNonzeroSamples = job.Params.MinNonzeroSamples
		}
		for _, coef := range job.Params.Coefs {
			ct, cerr := design.CoefContrast(coef)
			if cerr != nil {
				return cerr
			}
			cfg.Contrasts = append(cfg.Contrasts, ct)
		}
		cfg.Workers = s.workers
		rs, err = ds.TestPseudobulk(pb, design, cfg)
	default:
		return fmt.Errorf("unknown method: %q", job.Params.Method)
	}
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Phase 3: attach summaries and persist
	store.UpdateJobProgress(jobID, "saving", 0, 1)

	rows := buildRows(rs, t, pb)
	excl := make([]*dsstore.ExclusionRow, len(rs.Excluded))
	for i, e := range rs.Excluded {
		excl[i] = &dsstore.ExclusionRow{Gene: e.Gene, Cluster: e.Cluster, Reason: e.Reason}
	}

	store.UpdateJobDims(jobID, len(rs.Clusters), t.NGenes())
	if err := store.InsertResults(jobID, rows, excl); err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}
	return nil
}

// buildRows flattens a result set into store rows with per-cluster
// detection frequency and mean CPM attached, sorted for stable insertion
// order.
func buildRows(rs *ds.ResultSet, t *scexpr.Table, pb *pseudobulk.Pseudobulk) []*dsstore.GeneRow {
	clusterVals, _ := t.Obs(scexpr.ObsCluster)
	cellsByCluster := make(map[string][]int)
	for c, v := range clusterVals {
		cellsByCluster[v] = append(cellsByCluster[v], c)
	}

	type summary struct{ frq, cpm float64 }
	summaries := make(map[[2]string]summary)
	buf := make([]float64, 0, 256)
	for _, cluster := range rs.Clusters {
		m := pb.ByCluster[cluster]
		var libs []float64
		if m != nil {
			libs = m.LibrarySizes()
		}
		cells := cellsByCluster[cluster]
		for g, gene := range t.Genes() {
			var sm summary
			if len(cells) > 0 {
				buf = t.GeneRow("counts", g, cells, buf)
				n := 0
				for _, v := range buf {
					if v > 0 {
						n++
					}
				}
				sm.frq = float64(n) / float64(len(cells))
			}
			if m != nil {
				var total float64
				var k int
				for s := range m.Samples {
					if libs[s] > 0 {
						total += m.Value(g, s) / libs[s] * 1e6
						k++
					}
				}
				if k > 0 {
					sm.cpm = total / float64(k)
				}
			}
			summaries[[2]string{cluster, gene}] = sm
		}
	}

	var rows []*dsstore.GeneRow
	for _, comp := range rs.Comparisons {
		for _, cluster := range rs.Clusters {
			tbl := rs.Table(comp, cluster)
			if tbl == nil {
				continue
			}
			for _, r := range tbl.Rows {
				sm := summaries[[2]string{r.Cluster, r.Gene}]
				rows = append(rows, &dsstore.GeneRow{
					Gene:       r.Gene,
					Cluster:    r.Cluster,
					Comparison: r.Comparison,
					LogFC:      r.LogFC,
					PVal:       r.PVal,
					PAdjLoc:    r.PAdjLoc,
					PAdjGlb:    r.PAdjGlb,
					Frq:        sm.frq,
					MeanCPM:    sm.cpm,
				})
			}
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].PAdjLoc != rows[j].PAdjLoc {
			return rows[i].PAdjLoc < rows[j].PAdjLoc
		}
		return math.Abs(rows[i].LogFC) > math.Abs(rows[j].LogFC)
	})
	return rows
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
