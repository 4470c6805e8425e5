package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pbulk/server/internal/cache"
	"github.com/pbulk/server/internal/data/scexpr"
	"github.com/pbulk/server/internal/ds"
	"github.com/pbulk/server/internal/dsstore"
	"github.com/pbulk/server/internal/pseudobulk"
	"github.com/pbulk/server/internal/results"
	"github.com/pbulk/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/obs/columns", obsColumnsHandler)
			r.Get("/obs/{column}/values", obsValuesHandler)
			r.Get("/pseudobulk/{cluster}", pseudobulkHandler)

			r.Route("/ds/jobs", func(r chi.Router) {
				r.Post("/", dsJobSubmitHandler(cfg.JobManager))
				r.Get("/{job_id}", dsJobStatusHandler(cfg.JobManager))
				r.Get("/{job_id}/result", dsJobResultHandler(cfg.JobManager))
				r.Get("/{job_id}/exclusions", dsJobExclusionsHandler(cfg.JobManager))
				r.Delete("/{job_id}", dsJobCancelHandler(cfg.JobManager))
			})
		})
	})

	return r
}

// Context key for dataset
type ctxKey string

const datasetKey ctxKey = "dataset"

// datasetMiddleware resolves the dataset from URL and injects it into the
// request context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			d := registry.Get(datasetID)
			if d == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetKey, d)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDataset(r *http.Request) *service.Dataset {
	if d, ok := r.Context().Value(datasetKey).(*service.Dataset); ok {
		return d
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

// obsColumnsHandler lists the per-cell annotation columns.
func obsColumnsHandler(w http.ResponseWriter, r *http.Request) {
	d := getDataset(r)
	if d == nil {
		http.Error(w, "dataset not found", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"columns": d.Table.ObsColumns()})
}

// obsValuesHandler lists the level set of one annotation column.
func obsValuesHandler(w http.ResponseWriter, r *http.Request) {
	d := getDataset(r)
	if d == nil {
		http.Error(w, "dataset not found", http.StatusInternalServerError)
		return
	}
	column := chi.URLParam(r, "column")
	levels, err := d.Table.ObsLevels(column)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{"column": column, "values": levels})
}

// pseudobulkHandler returns one cluster's aggregated gene x sample matrix.
func pseudobulkHandler(w http.ResponseWriter, r *http.Request) {
	d := getDataset(r)
	if d == nil {
		http.Error(w, "dataset not found", http.StatusInternalServerError)
		return
	}
	cluster := chi.URLParam(r, "cluster")
	layer := strings.TrimSpace(r.URL.Query().Get("layer"))
	if layer == "" {
		layer = "counts"
	}
	reducer, err := pseudobulk.ParseReducer(orQuery(r, "reducer", "sum"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	pb, err := d.Pseudobulk(layer, reducer)
	if err != nil {
		if errors.Is(err, scexpr.ErrInvalidGrouping) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m := pb.ByCluster[cluster]
	if m == nil {
		http.Error(w, "cluster not found: "+cluster, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{
		"cluster_id":  m.Cluster,
		"genes":       m.Genes,
		"samples":     m.Samples,
		"cell_counts": m.CellCounts,
		"values":      m.Data,
	})
}

// dsJobSubmitHandler submits a new DS job for the dataset in scope.
func dsJobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d := getDataset(r)
		if d == nil {
			http.Error(w, "dataset not found", http.StatusInternalServerError)
			return
		}

		var params dsstore.JobParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		params.DatasetID = d.ID

		switch params.Method {
		case "", "pseudobulk", "mixed":
		default:
			http.Error(w, "method must be 'pseudobulk' or 'mixed'", http.StatusBadRequest)
			return
		}
		if params.Reducer != "" {
			if _, err := pseudobulk.ParseReducer(params.Reducer); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		job, err := jm.Submit(params)
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, job)
	}
}

func dsJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, job)
	}
}

// dsJobResultHandler pages through a completed job's result rows. bind=row
// returns tidy rows ordered by order_by; bind=col joins comparisons side by
// side per (gene, cluster) key. Pages are cached in the dataset's result
// cache.
func dsJobResultHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d := getDataset(r)
		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != dsstore.JobStatusCompleted {
			http.Error(w, "job not completed: "+string(job.Status), http.StatusConflict)
			return
		}

		cluster := strings.TrimSpace(r.URL.Query().Get("cluster"))
		comparison := strings.TrimSpace(r.URL.Query().Get("comparison"))
		bind := orQuery(r, "bind", string(results.BindRows))
		if bind != string(results.BindRows) && bind != string(results.BindCols) {
			http.Error(w, "bind must be row or col", http.StatusBadRequest)
			return
		}
		orderBy := orQuery(r, "order_by", "p_adj_loc")
		offset := intQuery(r, "offset", 0)
		limit := intQuery(r, "limit", 100)
		if limit > 1000 {
			limit = 1000
		}

		key := cache.ResultKey(jobID, cluster, orderBy, offset, limit,
			[]string{"bind=" + bind, "comparison=" + comparison})
		if d != nil && d.Cache != nil {
			if data, ok := d.Cache.GetResult(key); ok {
				w.Header().Set("Content-Type", "application/json")
				w.Write(data)
				return
			}
		}

		var payload []byte
		var err error
		if bind == string(results.BindCols) {
			payload, err = wideResultPage(jm, jobID, cluster, comparison, offset, limit)
			if errors.Is(err, results.ErrSchemaMismatch) {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
		} else {
			payload, err = tidyResultPage(jm, jobID, cluster, comparison, orderBy, offset, limit)
		}
		if err != nil {
			http.Error(w, "failed to query results: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if d != nil && d.Cache != nil {
			d.Cache.SetResult(key, payload)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(payload)
	}
}

func tidyResultPage(jm *JobManager, jobID, cluster, comparison, orderBy string, offset, limit int) ([]byte, error) {
	rows, total, err := jm.Store().QueryResults(jobID, cluster, comparison, orderBy, offset, limit)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]interface{}{
		"job_id": jobID,
		"total":  total,
		"offset": offset,
		"limit":  limit,
		"rows":   rows,
	})
}

// wideResultPage renders the stored rows in the one-row-per-(gene, cluster)
// layout, with one stat-column block per comparison, and pages through the
// rendered rows.
func wideResultPage(jm *JobManager, jobID, cluster, comparison string, offset, limit int) ([]byte, error) {
	_, total, err := jm.Store().QueryResults(jobID, cluster, comparison, "gene", 0, 0)
	if err != nil {
		return nil, err
	}
	rows, _, err := jm.Store().QueryResults(jobID, cluster, comparison, "gene", 0, total)
	if err != nil {
		return nil, err
	}

	ut, err := results.Format(resultSetFromRows(rows), results.Options{Bind: results.BindCols})
	if err != nil {
		return nil, err
	}

	end := offset + limit
	if offset > len(ut.Rows) {
		offset = len(ut.Rows)
	}
	if end > len(ut.Rows) {
		end = len(ut.Rows)
	}
	return json.Marshal(map[string]interface{}{
		"job_id":  jobID,
		"total":   len(ut.Rows),
		"offset":  offset,
		"limit":   limit,
		"columns": ut.Columns,
		"rows":    ut.Rows[offset:end],
	})
}

// resultSetFromRows rebuilds a result set from stored rows. Rows must come
// in (cluster, comparison, gene) order so the rebuilt set is deterministic.
func resultSetFromRows(rows []*dsstore.GeneRow) *ds.ResultSet {
	rs := &ds.ResultSet{Tables: make(map[string]map[string]*ds.ClusterTable)}
	seenComp := make(map[string]bool)
	seenCluster := make(map[string]bool)
	for _, r := range rows {
		if !seenComp[r.Comparison] {
			seenComp[r.Comparison] = true
			rs.Comparisons = append(rs.Comparisons, r.Comparison)
		}
		if !seenCluster[r.Cluster] {
			seenCluster[r.Cluster] = true
			rs.Clusters = append(rs.Clusters, r.Cluster)
		}
		byCluster := rs.Tables[r.Comparison]
		if byCluster == nil {
			byCluster = make(map[string]*ds.ClusterTable)
			rs.Tables[r.Comparison] = byCluster
		}
		tbl := byCluster[r.Cluster]
		if tbl == nil {
			tbl = &ds.ClusterTable{Cluster: r.Cluster, Comparison: r.Comparison}
			byCluster[r.Cluster] = tbl
		}
		tbl.Rows = append(tbl.Rows, ds.GeneResult{
			Gene:       r.Gene,
			Cluster:    r.Cluster,
			Comparison: r.Comparison,
			LogFC:      r.LogFC,
			PVal:       r.PVal,
			PAdjLoc:    r.PAdjLoc,
			PAdjGlb:    r.PAdjGlb,
		})
	}
	return rs
}

// dsJobExclusionsHandler returns the record of skipped and failed
// gene/cluster pairs for a job.
func dsJobExclusionsHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		excl, err := jm.Store().QueryExclusions(jobID)
		if err != nil {
			http.Error(w, "failed to query exclusions: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{"job_id": jobID, "exclusions": excl})
	}
}

func dsJobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")
		if jm.Cancel(jobID) {
			writeJSON(w, map[string]interface{}{"job_id": jobID, "cancelled": true})
			return
		}
		// Not cancellable; delete if terminal
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if err := jm.Delete(jobID); err != nil {
			http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{"job_id": jobID, "deleted": true})
	}
}

func orQuery(r *http.Request, key, def string) string {
	if v := strings.TrimSpace(r.URL.Query().Get(key)); v != "" {
		return v
	}
	return def
}

func intQuery(r *http.Request, key string, def int) int {
	if v := strings.TrimSpace(r.URL.Query().Get(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
