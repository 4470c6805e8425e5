package dsstore

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "ds.sqlite"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestJob(id string) *Job {
	return &Job{
		ID:     id,
		Status: JobStatusQueued,
		Params: JobParams{
			DatasetID: "ds1",
			Method:    "pseudobulk",
			Layer:     "counts",
			Reducer:   "sum",
		},
		CreatedAt: time.Now(),
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)

	if err := s.CreateJob(newTestJob("job1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	job, err := s.GetJob("job1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job == nil {
		t.Fatal("GetJob returned nil for existing job")
	}
	if job.Status != JobStatusQueued {
		t.Errorf("Status = %s, want queued", job.Status)
	}
	if job.Params.Method != "pseudobulk" || job.Params.DatasetID != "ds1" {
		t.Errorf("Params did not round-trip: %+v", job.Params)
	}

	missing, err := s.GetJob("nope")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if missing != nil {
		t.Error("GetJob should return nil for missing job")
	}
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateJob(newTestJob("job1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := s.UpdateJobStarted("job1"); err != nil {
		t.Fatalf("UpdateJobStarted failed: %v", err)
	}
	job, _ := s.GetJob("job1")
	if job.Status != JobStatusRunning || job.StartedAt == nil {
		t.Errorf("After start: status=%s startedAt=%v", job.Status, job.StartedAt)
	}

	if err := s.UpdateJobProgress("job1", "fitting", 3, 10); err != nil {
		t.Fatalf("UpdateJobProgress failed: %v", err)
	}
	job, _ = s.GetJob("job1")
	if job.Progress.Phase != "fitting" || job.Progress.Done != 3 || job.Progress.Total != 10 {
		t.Errorf("Progress = %+v", job.Progress)
	}

	if err := s.UpdateJobDims("job1", 5, 2000); err != nil {
		t.Fatalf("UpdateJobDims failed: %v", err)
	}

	if err := s.UpdateJobStatus("job1", JobStatusCompleted, ""); err != nil {
		t.Fatalf("UpdateJobStatus failed: %v", err)
	}
	job, _ = s.GetJob("job1")
	if job.Status != JobStatusCompleted || job.FinishedAt == nil {
		t.Errorf("After completion: status=%s finishedAt=%v", job.Status, job.FinishedAt)
	}
	if job.NClusters != 5 || job.NGenes != 2000 {
		t.Errorf("Dims = %d clusters, %d genes", job.NClusters, job.NGenes)
	}
}

func TestInsertAndQueryResults(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateJob(newTestJob("job1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	rows := []*GeneRow{
		{Gene: "g1", Cluster: "k1", Comparison: "stim", LogFC: 2.0, PVal: 0.001, PAdjLoc: 0.002, PAdjGlb: 0.004},
		{Gene: "g2", Cluster: "k1", Comparison: "stim", LogFC: -0.5, PVal: 0.5, PAdjLoc: 0.6, PAdjGlb: 0.7},
		{Gene: "g1", Cluster: "k2", Comparison: "stim", LogFC: 0.1, PVal: 0.9, PAdjLoc: 0.95, PAdjGlb: 0.97},
	}
	excl := []*ExclusionRow{
		{Gene: "g3", Cluster: "k1", Reason: "insufficient data: low detection"},
	}
	if err := s.InsertResults("job1", rows, excl); err != nil {
		t.Fatalf("InsertResults failed: %v", err)
	}

	got, total, err := s.QueryResults("job1", "", "", "p_adj_loc", 0, 10)
	if err != nil {
		t.Fatalf("QueryResults failed: %v", err)
	}
	if total != 3 || len(got) != 3 {
		t.Fatalf("total=%d len=%d, want 3/3", total, len(got))
	}
	// Default order: ascending local adjusted p.
	if got[0].Gene != "g1" || got[0].Cluster != "k1" {
		t.Errorf("First row = %+v, want g1/k1", got[0])
	}

	// Cluster filter
	got, total, err = s.QueryResults("job1", "k2", "", "p_adj_loc", 0, 10)
	if err != nil {
		t.Fatalf("QueryResults failed: %v", err)
	}
	if total != 1 || got[0].Cluster != "k2" {
		t.Errorf("Cluster filter: total=%d rows=%+v", total, got)
	}

	// Pagination
	got, total, err = s.QueryResults("job1", "", "", "p_adj_loc", 1, 1)
	if err != nil {
		t.Fatalf("QueryResults failed: %v", err)
	}
	if total != 3 || len(got) != 1 || got[0].Gene != "g2" {
		t.Errorf("Page 2: total=%d rows=%+v", total, got)
	}

	// Effect-size ordering
	got, _, err = s.QueryResults("job1", "", "", "abs_logfc", 0, 10)
	if err != nil {
		t.Fatalf("QueryResults failed: %v", err)
	}
	if got[0].LogFC != 2.0 {
		t.Errorf("abs_logfc order: first = %+v", got[0])
	}

	exclRows, err := s.QueryExclusions("job1")
	if err != nil {
		t.Fatalf("QueryExclusions failed: %v", err)
	}
	if len(exclRows) != 1 || exclRows[0].Gene != "g3" {
		t.Errorf("Exclusions = %+v", exclRows)
	}
}

func TestQueryResultsComparisonFilter(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateJob(newTestJob("job1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	rows := []*GeneRow{
		{Gene: "g1", Cluster: "k1", Comparison: "stim", LogFC: 2.0, PVal: 0.001, PAdjLoc: 0.002, PAdjGlb: 0.004},
		{Gene: "g1", Cluster: "k1", Comparison: "treat", LogFC: 0.3, PVal: 0.2, PAdjLoc: 0.3, PAdjGlb: 0.4},
		{Gene: "g1", Cluster: "k2", Comparison: "treat", LogFC: 0.4, PVal: 0.1, PAdjLoc: 0.2, PAdjGlb: 0.3},
	}
	if err := s.InsertResults("job1", rows, nil); err != nil {
		t.Fatalf("InsertResults failed: %v", err)
	}

	got, total, err := s.QueryResults("job1", "", "treat", "p_adj_loc", 0, 10)
	if err != nil {
		t.Fatalf("QueryResults failed: %v", err)
	}
	if total != 2 || len(got) != 2 {
		t.Fatalf("treat filter: total=%d len=%d, want 2/2", total, len(got))
	}
	for _, r := range got {
		if r.Comparison != "treat" {
			t.Errorf("Row %+v leaked through comparison filter", r)
		}
	}

	// Cluster and comparison combine.
	got, total, err = s.QueryResults("job1", "k1", "stim", "p_adj_loc", 0, 10)
	if err != nil {
		t.Fatalf("QueryResults failed: %v", err)
	}
	if total != 1 || got[0].Comparison != "stim" || got[0].Cluster != "k1" {
		t.Errorf("Combined filter: total=%d rows=%+v", total, got)
	}
}

func TestListJobsByDataset(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b"} {
		if err := s.CreateJob(newTestJob(id)); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}
	other := newTestJob("c")
	other.Params.DatasetID = "ds2"
	if err := s.CreateJob(other); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	jobs, err := s.ListJobsByDataset("ds1")
	if err != nil {
		t.Fatalf("ListJobsByDataset failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("Expected 2 jobs for ds1, got %d", len(jobs))
	}
}

func TestRestartRecovery(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateJob(newTestJob("running")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := s.UpdateJobStarted("running"); err != nil {
		t.Fatalf("UpdateJobStarted failed: %v", err)
	}
	if err := s.CreateJob(newTestJob("queued")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := s.MarkRunningAsFailed("server restarted"); err != nil {
		t.Fatalf("MarkRunningAsFailed failed: %v", err)
	}
	job, _ := s.GetJob("running")
	if job.Status != JobStatusFailed || job.Error != "server restarted" {
		t.Errorf("Recovered job = %+v", job)
	}

	queued, err := s.ListQueuedJobs()
	if err != nil {
		t.Fatalf("ListQueuedJobs failed: %v", err)
	}
	if len(queued) != 1 || queued[0].ID != "queued" {
		t.Errorf("Queued jobs = %+v", queued)
	}
}

func TestDeleteJob(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateJob(newTestJob("job1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	rows := []*GeneRow{{Gene: "g1", Cluster: "k1", Comparison: "stim"}}
	if err := s.InsertResults("job1", rows, nil); err != nil {
		t.Fatalf("InsertResults failed: %v", err)
	}

	if err := s.DeleteJob("job1"); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	job, _ := s.GetJob("job1")
	if job != nil {
		t.Error("Job still present after delete")
	}
	_, total, err := s.QueryResults("job1", "", "", "", 0, 10)
	if err != nil {
		t.Fatalf("QueryResults failed: %v", err)
	}
	if total != 0 {
		t.Errorf("Results still present after delete: %d", total)
	}
}

func TestDeleteExpiredJobs(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateJob(newTestJob("old")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if err := s.UpdateJobStatus("old", JobStatusCompleted, ""); err != nil {
		t.Fatalf("UpdateJobStatus failed: %v", err)
	}

	// Not yet expired with any positive retention.
	n, err := s.DeleteExpiredJobs(7)
	if err != nil {
		t.Fatalf("DeleteExpiredJobs failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Deleted %d fresh jobs", n)
	}

	// Zero retention expires anything finished in the past.
	n, err = s.DeleteExpiredJobs(-1)
	if err != nil {
		t.Fatalf("DeleteExpiredJobs failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 expired job, deleted %d", n)
	}
}
