// Package dsstore provides persistent storage for differential-state job
// state and results using SQLite.
package dsstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// JobStatus represents the current state of a DS job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// JobParams contains the parameters for a DS job.
type JobParams struct {
	DatasetID         string  `json:"dataset_id"`
	Method            string  `json:"method"` // "pseudobulk" or "mixed"
	Layer             string  `json:"layer"`
	Reducer           string  `json:"reducer"`
	Family            string  `json:"family,omitempty"`
	DFMethod          string  `json:"df_method,omitempty"`
	MinNonzeroSamples int     `json:"min_nonzero_samples,omitempty"`
	NCells            int     `json:"n_cells,omitempty"`
	NSamples          int     `json:"n_samples,omitempty"`
	MinCount          float64 `json:"min_count,omitempty"`
	MinCells          int     `json:"min_cells,omitempty"`
	Coefs             []string `json:"coefs,omitempty"`
}

// JobProgress represents the progress of a DS job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Job represents one differential-state analysis run.
type Job struct {
	ID         string      `json:"job_id"`
	DatasetID  string      `json:"dataset_id"`
	Status     JobStatus   `json:"status"`
	Params     JobParams   `json:"params"`
	Progress   JobProgress `json:"progress"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	NClusters  int         `json:"n_clusters"`
	NGenes     int         `json:"n_genes"`
	Error      string      `json:"error,omitempty"`
}

// GeneRow is one persisted result row: a gene tested in one cluster for
// one comparison.
type GeneRow struct {
	Gene       string  `json:"gene"`
	Cluster    string  `json:"cluster_id"`
	Comparison string  `json:"comparison"`
	LogFC      float64 `json:"logfc"`
	PVal       float64 `json:"p_val"`
	PAdjLoc    float64 `json:"p_adj_loc"`
	PAdjGlb    float64 `json:"p_adj_glb"`
	Frq        float64 `json:"frq"`
	MeanCPM    float64 `json:"mean_cpm"`
}

// ExclusionRow records one skipped or failed gene/cluster pair.
type ExclusionRow struct {
	Gene    string `json:"gene"`
	Cluster string `json:"cluster_id"`
	Reason  string `json:"reason"`
}

// Store provides persistent storage for DS jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-backed DS store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// WAL for concurrent readers while a job writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ds_jobs (
		job_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		n_clusters INTEGER DEFAULT 0,
		n_genes INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_ds_jobs_dataset ON ds_jobs(dataset_id);
	CREATE INDEX IF NOT EXISTS idx_ds_jobs_status ON ds_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_ds_jobs_finished ON ds_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS ds_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		gene TEXT NOT NULL,
		cluster_id TEXT NOT NULL,
		comparison TEXT NOT NULL,
		logfc REAL NOT NULL,
		p_val REAL NOT NULL,
		p_adj_loc REAL NOT NULL,
		p_adj_glb REAL NOT NULL,
		frq REAL NOT NULL DEFAULT 0,
		mean_cpm REAL NOT NULL DEFAULT 0,
		FOREIGN KEY (job_id) REFERENCES ds_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_ds_results_job ON ds_results(job_id);
	CREATE INDEX IF NOT EXISTS idx_ds_results_job_padj ON ds_results(job_id, p_adj_loc);
	CREATE INDEX IF NOT EXISTS idx_ds_results_job_cluster ON ds_results(job_id, cluster_id);

	CREATE TABLE IF NOT EXISTS ds_exclusions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		gene TEXT NOT NULL,
		cluster_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		FOREIGN KEY (job_id) REFERENCES ds_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_ds_exclusions_job ON ds_exclusions(job_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateJob creates a new job record with status=queued.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO ds_jobs (job_id, dataset_id, status, params_json, phase, done, total, n_clusters, n_genes, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Params.DatasetID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.NClusters,
		job.NGenes,
		job.Error,
		job.CreatedAt.Format(time.RFC3339),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID, or nil when absent.
func (s *Store) GetJob(jobID string) (*Job, error) {
	row := s.db.QueryRow(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n_clusters, n_genes, error, created_at, started_at, finished_at
		FROM ds_jobs WHERE job_id = ?
	`, jobID)

	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

func scanJob(scan func(...any) error) (*Job, error) {
	var job Job
	var paramsJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := scan(
		&job.ID,
		&job.DatasetID,
		&job.Status,
		&paramsJSON,
		&job.Progress.Phase,
		&job.Progress.Done,
		&job.Progress.Total,
		&job.NClusters,
		&job.NGenes,
		&job.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, startedAtStr.String)
		job.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		job.FinishedAt = &t
	}
	return &job, nil
}

// UpdateJobStatus updates the job status and error message, stamping the
// finish time for terminal states.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE ds_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE ds_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), now, jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE ds_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, done, total, jobID)
	return err
}

// UpdateJobDims records how many clusters and genes entered testing.
func (s *Store) UpdateJobDims(jobID string, nClusters, nGenes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE ds_jobs SET n_clusters = ?, n_genes = ?
		WHERE job_id = ?
	`, nClusters, nGenes, jobID)
	return err
}

// InsertResults inserts gene rows and exclusions in one transaction.
func (s *Store) InsertResults(jobID string, rows []*GeneRow, excl []*ExclusionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO ds_results (job_id, gene, cluster_id, comparison, logfc, p_val, p_adj_loc, p_adj_glb, frq, mean_cpm)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(jobID, r.Gene, r.Cluster, r.Comparison, r.LogFC, r.PVal, r.PAdjLoc, r.PAdjGlb, r.Frq, r.MeanCPM); err != nil {
			return err
		}
	}

	estmt, err := tx.Prepare(`
		INSERT INTO ds_exclusions (job_id, gene, cluster_id, reason)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer estmt.Close()

	for _, e := range excl {
		if _, err := estmt.Exec(jobID, e.Gene, e.Cluster, e.Reason); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// QueryResults queries result rows with ordering and pagination. cluster
// and comparison filter to one cluster or comparison when non-empty.
func (s *Store) QueryResults(jobID, cluster, comparison, orderBy string, offset, limit int) ([]*GeneRow, int, error) {
	orderCol := "p_adj_loc ASC, ABS(logfc) DESC"
	switch orderBy {
	case "p_adj_loc":
		orderCol = "p_adj_loc ASC, ABS(logfc) DESC"
	case "p_adj_glb":
		orderCol = "p_adj_glb ASC, ABS(logfc) DESC"
	case "p_val":
		orderCol = "p_val ASC, ABS(logfc) DESC"
	case "abs_logfc":
		orderCol = "ABS(logfc) DESC, p_adj_loc ASC"
	case "gene":
		orderCol = "cluster_id ASC, comparison ASC, gene ASC"
	}

	where := "WHERE job_id = ?"
	args := []any{jobID}
	if cluster != "" {
		where += " AND cluster_id = ?"
		args = append(args, cluster)
	}
	if comparison != "" {
		where += " AND comparison = ?"
		args = append(args, comparison)
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM ds_results "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT gene, cluster_id, comparison, logfc, p_val, p_adj_loc, p_adj_glb, frq, mean_cpm
		FROM ds_results
		%s
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, where, orderCol)

	rows, err := s.db.Query(query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*GeneRow
	for rows.Next() {
		var r GeneRow
		if err := rows.Scan(&r.Gene, &r.Cluster, &r.Comparison, &r.LogFC, &r.PVal, &r.PAdjLoc, &r.PAdjGlb, &r.Frq, &r.MeanCPM); err != nil {
			return nil, 0, err
		}
		out = append(out, &r)
	}
	return out, total, nil
}

// QueryExclusions returns the exclusion record of a job.
func (s *Store) QueryExclusions(jobID string) ([]*ExclusionRow, error) {
	rows, err := s.db.Query(`
		SELECT gene, cluster_id, reason FROM ds_exclusions
		WHERE job_id = ? ORDER BY cluster_id, gene
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExclusionRow
	for rows.Next() {
		var e ExclusionRow
		if err := rows.Scan(&e.Gene, &e.Cluster, &e.Reason); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, nil
}

// ListJobsByDataset returns all jobs for a dataset, newest first.
func (s *Store) ListJobsByDataset(datasetID string) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n_clusters, n_genes, error, created_at, started_at, finished_at
		FROM ds_jobs WHERE dataset_id = ?
		ORDER BY created_at DESC
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT job_id, dataset_id, status, params_json, phase, done, total, n_clusters, n_genes, error, created_at, started_at, finished_at
		FROM ds_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart
// recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339)
	_, err := s.db.Exec(`
		UPDATE ds_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)

	for _, table := range []string{"ds_results", "ds_exclusions"} {
		_, err := s.db.Exec(fmt.Sprintf(`
			DELETE FROM %s WHERE job_id IN (
				SELECT job_id FROM ds_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
			)
		`, table), cutoff)
		if err != nil {
			return 0, err
		}
	}

	result, err := s.db.Exec(`
		DELETE FROM ds_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteJob deletes a job, its results, and its exclusion record.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"ds_results", "ds_exclusions"} {
		if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE job_id = ?", table), jobID); err != nil {
			return err
		}
	}
	_, err := s.db.Exec("DELETE FROM ds_jobs WHERE job_id = ?", jobID)
	return err
}

func (s *Store) scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
