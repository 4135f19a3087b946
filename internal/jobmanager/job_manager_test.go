package jobmanager

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ChuLiYu/netschedule/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const testNow = int64(1_700_000_000)

// newTestJob creates a test Job
func newTestJob(id types.JobID) types.Job {
	return types.Job{
		ID:    id,
		Input: fmt.Sprintf("input-%d", id),
	}
}

// newTestJobWithAffinity creates a test Job carrying an affinity token
func newTestJobWithAffinity(id types.JobID, aff string) types.Job {
	job := newTestJob(id)
	job.Affinity = aff
	return job
}

// mustEnqueue enqueues a job and fails the test on error
func mustEnqueue(t *testing.T, jm *JobManager, job types.Job) {
	t.Helper()
	if _, err := jm.Enqueue(job, testNow); err != nil {
		t.Fatalf("enqueue %d: %v", job.ID, err)
	}
}

// mustDispatch dispatches a job and fails the test if nothing was available
func mustDispatch(t *testing.T, jm *JobManager) types.Job {
	t.Helper()
	job, ok := jm.Dispatch(nil, "10.0.0.1", testNow+60, testNow)
	if !ok {
		t.Fatal("expected a job to dispatch")
	}
	return job
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// assertJobStatus asserts job status
func assertJobStatus(t *testing.T, jm *JobManager, id types.JobID, want types.JobStatus) {
	t.Helper()
	job, exists := jm.Get(id)
	if !exists {
		t.Errorf("job %d not found", id)
		return
	}
	if job.Status != want {
		t.Errorf("job %d status: got %s, want %s", id, job.Status, want)
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewJobManager(t *testing.T) {
	jm := NewJobManager()

	if jm.jobs == nil {
		t.Error("jobs map not initialized")
	}
	if jm.pending == nil {
		t.Error("pending slice not initialized")
	}

	stats := jm.Stats()
	for _, st := range types.AllStatuses {
		if stats[st.String()] != 0 {
			t.Errorf("stats[%s]: got %d, want 0", st, stats[st.String()])
		}
	}
}

func TestEnqueue(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*JobManager)
		job     types.Job
		wantErr error
	}{
		{
			name:  "Normal single job enqueue",
			setup: func(jm *JobManager) {},
			job:   newTestJob(1),
		},
		{
			name:  "Enqueue multiple jobs",
			setup: func(jm *JobManager) { jm.Enqueue(newTestJob(1), testNow) },
			job:   newTestJob(2),
		},
		{
			name:    "Duplicate ID error",
			setup:   func(jm *JobManager) { jm.Enqueue(newTestJob(1), testNow) },
			job:     newTestJob(1),
			wantErr: ErrDuplicateJob,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := NewJobManager()
			tt.setup(jm)

			got, err := jm.Enqueue(tt.job, testNow)

			if tt.wantErr != nil {
				assertError(t, err, tt.wantErr)
				return
			}
			assertNoError(t, err)
			assertJobStatus(t, jm, tt.job.ID, types.StatusPending)
			if got.CreatedAt != testNow || got.UpdatedAt != testNow {
				t.Errorf("timestamps not set: %+v", got)
			}
		})
	}
}

func TestDispatchFIFO(t *testing.T) {
	jm := NewJobManager()
	for id := types.JobID(1); id <= 3; id++ {
		mustEnqueue(t, jm, newTestJob(id))
	}

	for want := types.JobID(1); want <= 3; want++ {
		job := mustDispatch(t, jm)
		if job.ID != want {
			t.Errorf("dispatch order: got %d, want %d", job.ID, want)
		}
		if job.Status != types.StatusRunning {
			t.Errorf("job %d status: got %s", job.ID, job.Status)
		}
		if job.Attempt != 1 {
			t.Errorf("job %d attempt: got %d, want 1", job.ID, job.Attempt)
		}
		if job.RunDeadline != testNow+60 || job.WorkerHost != "10.0.0.1" {
			t.Errorf("run info not recorded: %+v", job)
		}
	}

	if _, ok := jm.Dispatch(nil, "10.0.0.1", testNow+60, testNow); ok {
		t.Error("expected empty queue")
	}
}

func TestDispatchPrefersAffinity(t *testing.T) {
	jm := NewJobManager()
	mustEnqueue(t, jm, newTestJobWithAffinity(1, "red"))
	mustEnqueue(t, jm, newTestJobWithAffinity(2, "blue"))
	mustEnqueue(t, jm, newTestJob(3))

	prefer := map[string]struct{}{"blue": {}}
	job, ok := jm.Dispatch(prefer, "w", testNow+10, testNow)
	if !ok || job.ID != 2 {
		t.Fatalf("expected blue job 2, got %+v ok=%v", job, ok)
	}

	// no remaining match falls back to FIFO
	job, ok = jm.Dispatch(prefer, "w", testNow+10, testNow)
	if !ok || job.ID != 1 {
		t.Fatalf("expected fallback job 1, got %+v ok=%v", job, ok)
	}
}

func TestComplete(t *testing.T) {
	jm := NewJobManager()
	mustEnqueue(t, jm, newTestJob(1))

	_, err := jm.Complete(1, 0, "out", testNow)
	assertError(t, err, ErrInvalidStatus)

	mustDispatch(t, jm)
	job, err := jm.Complete(1, 3, "out", testNow+5)
	assertNoError(t, err)
	if job.Status != types.StatusDone || job.RetCode != 3 || job.Output != "out" {
		t.Errorf("unexpected job after complete: %+v", job)
	}
	if job.RunDeadline != 0 {
		t.Errorf("run deadline should be cleared, got %d", job.RunDeadline)
	}

	_, err = jm.Complete(99, 0, "", testNow)
	assertError(t, err, ErrJobNotFound)
}

func TestFailRetries(t *testing.T) {
	jm := NewJobManager()
	mustEnqueue(t, jm, newTestJob(1))

	// maxRetries=1: first failure requeues, second is final
	mustDispatch(t, jm)
	job, err := jm.Fail(1, "boom", "", 2, 1, testNow)
	assertNoError(t, err)
	if job.Status != types.StatusPending {
		t.Fatalf("after first fail: got %s, want Pending", job.Status)
	}

	mustDispatch(t, jm)
	job, err = jm.Fail(1, "boom again", "partial", 2, 1, testNow)
	assertNoError(t, err)
	if job.Status != types.StatusFailed {
		t.Fatalf("after second fail: got %s, want Failed", job.Status)
	}
	if job.ErrMsg != "boom again" || job.Output != "partial" || job.RetCode != 2 {
		t.Errorf("failure details not recorded: %+v", job)
	}
}

func TestReturnIsRedispatchable(t *testing.T) {
	jm := NewJobManager()
	mustEnqueue(t, jm, newTestJob(1))
	mustDispatch(t, jm)

	job, err := jm.Return(1, testNow)
	assertNoError(t, err)
	if job.Status != types.StatusReturned || job.WorkerHost != "" {
		t.Errorf("unexpected job after return: %+v", job)
	}

	again := mustDispatch(t, jm)
	if again.ID != 1 || again.Attempt != 2 {
		t.Errorf("expected job 1 on attempt 2, got %+v", again)
	}
}

func TestRequeue(t *testing.T) {
	jm := NewJobManager()
	mustEnqueue(t, jm, newTestJob(1))
	mustDispatch(t, jm)

	job, err := jm.Requeue(1, "run timeout", 0, testNow)
	assertNoError(t, err)
	if job.Status != types.StatusFailed {
		t.Errorf("zero retries should fail the job, got %s", job.Status)
	}
	if job.ErrMsg != "run timeout" {
		t.Errorf("reason not recorded: %q", job.ErrMsg)
	}

	_, err = jm.Requeue(1, "again", 0, testNow)
	assertError(t, err, ErrInvalidStatus)
}

func TestCancel(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(*testing.T, *JobManager)
		wantErr error
	}{
		{
			name:  "Cancel pending",
			setup: func(t *testing.T, jm *JobManager) {},
		},
		{
			name:  "Cancel running",
			setup: func(t *testing.T, jm *JobManager) { mustDispatch(t, jm) },
		},
		{
			name: "Cancel twice",
			setup: func(t *testing.T, jm *JobManager) {
				jm.Cancel(1, testNow)
			},
		},
		{
			name: "Cancel done job rejected",
			setup: func(t *testing.T, jm *JobManager) {
				mustDispatch(t, jm)
				jm.Complete(1, 0, "", testNow)
			},
			wantErr: ErrInvalidStatus,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jm := NewJobManager()
			mustEnqueue(t, jm, newTestJob(1))
			tt.setup(t, jm)

			_, err := jm.Cancel(1, testNow)
			if tt.wantErr != nil {
				assertError(t, err, tt.wantErr)
				return
			}
			assertNoError(t, err)
			assertJobStatus(t, jm, 1, types.StatusCanceled)
		})
	}
}

func TestCanceledJobIsNotDispatched(t *testing.T) {
	jm := NewJobManager()
	mustEnqueue(t, jm, newTestJob(1))
	mustEnqueue(t, jm, newTestJob(2))

	if _, err := jm.Cancel(1, testNow); err != nil {
		t.Fatal(err)
	}
	job := mustDispatch(t, jm)
	if job.ID != 2 {
		t.Errorf("expected job 2, got %d", job.ID)
	}
}

func TestSetProgressAndDeadline(t *testing.T) {
	jm := NewJobManager()
	mustEnqueue(t, jm, newTestJob(1))

	job, err := jm.SetProgress(1, "50%", testNow+1)
	assertNoError(t, err)
	if job.ProgressMsg != "50%" {
		t.Errorf("progress: got %q", job.ProgressMsg)
	}

	_, _, err = jm.SetRunDeadline(1, testNow+100, testNow)
	assertError(t, err, ErrInvalidStatus)

	mustDispatch(t, jm)
	job, old, err := jm.SetRunDeadline(1, testNow+100, testNow)
	assertNoError(t, err)
	if old != testNow+60 || job.RunDeadline != testNow+100 {
		t.Errorf("deadline change: old=%d new=%d", old, job.RunDeadline)
	}
}

func TestRemoveAndCounts(t *testing.T) {
	jm := NewJobManager()
	mustEnqueue(t, jm, newTestJobWithAffinity(1, "a"))
	mustEnqueue(t, jm, newTestJobWithAffinity(2, "b"))
	mustEnqueue(t, jm, newTestJobWithAffinity(3, "a"))
	mustDispatch(t, jm)

	counts := jm.CountByStatus("")
	if counts[types.StatusPending] != 2 || counts[types.StatusRunning] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
	aff := jm.CountByStatus("a")
	if aff[types.StatusPending] != 1 || aff[types.StatusRunning] != 1 {
		t.Errorf("unexpected affinity counts: %v", aff)
	}

	if _, ok := jm.Remove(2); !ok {
		t.Fatal("remove failed")
	}
	if _, ok := jm.Remove(2); ok {
		t.Error("second remove should report missing")
	}
	if jm.Len() != 2 {
		t.Errorf("len: got %d, want 2", jm.Len())
	}
	if ids := jm.IDsByStatus(types.StatusPending); len(ids) != 1 || ids[0] != 3 {
		t.Errorf("pending ids: %v", ids)
	}

	// removed job must not be dispatched
	job := mustDispatch(t, jm)
	if job.ID != 3 {
		t.Errorf("expected job 3, got %d", job.ID)
	}
}

func TestSnapshotRestore(t *testing.T) {
	jm := NewJobManager()
	for id := types.JobID(1); id <= 4; id++ {
		mustEnqueue(t, jm, newTestJob(id))
	}
	mustDispatch(t, jm)
	jm.Complete(1, 0, "ok", testNow)

	snap := jm.Snapshot()
	if snap.SchemaVer != schemaVersion || len(snap.Jobs) != 4 {
		t.Fatalf("unexpected snapshot: ver=%d jobs=%d", snap.SchemaVer, len(snap.Jobs))
	}

	// mutating the snapshot must not affect the manager
	snap.Jobs[2].Input = "changed"
	if job, _ := jm.Get(2); job.Input == "changed" {
		t.Error("snapshot is not a deep copy")
	}

	restored := NewJobManager()
	restored.Restore(snap)
	assertJobStatus(t, restored, 1, types.StatusDone)
	job := mustDispatch(t, restored)
	if job.ID != 2 {
		t.Errorf("restored FIFO: got %d, want 2", job.ID)
	}
}

func TestUpsert(t *testing.T) {
	jm := NewJobManager()
	jm.Upsert(types.Job{ID: 5, Status: types.StatusRunning})
	jm.Upsert(types.Job{ID: 5, Status: types.StatusPending})

	counts := jm.CountByStatus("")
	if counts[types.StatusRunning] != 0 || counts[types.StatusPending] != 1 {
		t.Errorf("counts after upsert: %v", counts)
	}
	job := mustDispatch(t, jm)
	if job.ID != 5 {
		t.Errorf("expected job 5, got %d", job.ID)
	}
	if _, ok := jm.Dispatch(nil, "w", 0, testNow); ok {
		t.Error("duplicate pending entries should be compacted")
	}
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentEnqueueDispatch(t *testing.T) {
	jm := NewJobManager()
	const n = 200

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(id types.JobID) {
			defer wg.Done()
			jm.Enqueue(newTestJob(id), testNow)
		}(types.JobID(i))
	}
	wg.Wait()

	seen := make(map[types.JobID]bool)
	var mu sync.Mutex
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok := jm.Dispatch(nil, "w", testNow+1, testNow)
				if !ok {
					return
				}
				mu.Lock()
				if seen[job.ID] {
					t.Errorf("job %d dispatched twice", job.ID)
				}
				seen[job.ID] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("dispatched %d jobs, want %d", len(seen), n)
	}
}
