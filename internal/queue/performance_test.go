package queue

// ============================================================================
// Queue Performance Tests
//
// TestThroughput:
//   8 個 worker goroutine 同時 GetJob / PutResult / FailJob，處理 2000 個任務
//   - 驗證每個任務剛好完成一次（Done + Failed = 提交數）
//   - 記錄 jobs/s
//
// TestRecoveryPerformance:
//   提交 5000 個任務並分派一部分後模擬崩潰（不寫最終快照）
//   - 重新開啟佇列並量測復原時間（目標 < 3 秒）
//   - 驗證任務數與各狀態數一致
//
// BenchmarkSubmit / BenchmarkSubmitBatch:
//   WAL 寫入路徑的提交成本
// ============================================================================

import (
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/netschedule/pkg/types"
)

func TestThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}
	const (
		jobs    = 2000
		workers = 8
	)
	cfg := testConfig(t.TempDir())
	cfg.FailedRetries = 1
	q, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, q.Start())
	defer q.Stop()

	items := make([]SubmitRequest, jobs)
	for i := range items {
		items[i] = SubmitRequest{Input: fmt.Sprintf("job-%d", i)}
	}
	_, err = q.SubmitBatch(items)
	require.NoError(t, err)

	start := time.Now()
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			addr := netip.AddrFrom4([4]byte{10, 0, 1, byte(w)})
			for {
				job, ok, err := q.GetJob(addr, "")
				if err != nil {
					t.Errorf("worker %d: %v", w, err)
					return
				}
				if !ok {
					return
				}
				// 每 10 個任務失敗一次，重試後完成
				if job.ID%10 == 0 && job.Attempt == 1 {
					_, err = q.FailJob(job.ID, "transient", "", 1)
				} else {
					_, err = q.PutResult(job.ID, 0, "ok")
				}
				if err != nil {
					t.Errorf("worker %d job %d: %v", w, job.ID, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	counts := q.CountStatus("")
	assert.Equal(t, jobs, counts[types.StatusDone])
	assert.Zero(t, counts[types.StatusPending])
	assert.Zero(t, counts[types.StatusRunning])

	t.Logf("=== Throughput ===")
	t.Logf("Jobs:       %d", jobs)
	t.Logf("Elapsed:    %v", elapsed)
	t.Logf("Throughput: %.0f jobs/s", float64(jobs)/elapsed.Seconds())
}

func TestRecoveryPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping recovery performance test in short mode")
	}
	const jobs = 5000
	dir := t.TempDir()
	cfg := testConfig(dir)

	q1, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, q1.Start())

	items := make([]SubmitRequest, jobs)
	for i := range items {
		items[i] = SubmitRequest{Input: fmt.Sprintf("load-job-%d", i), Affinity: fmt.Sprintf("aff-%d", i%16)}
	}
	_, err = q1.SubmitBatch(items)
	require.NoError(t, err)
	// 一半經過快照，另一半只在 WAL 中
	require.NoError(t, q1.TakeSnapshot())
	for range jobs / 4 {
		job, ok, err := q1.GetJob(workerAddr, "")
		require.NoError(t, err)
		require.True(t, ok)
		if job.ID%2 == 0 {
			_, err = q1.PutResult(job.ID, 0, "done")
			require.NoError(t, err)
		}
	}
	before := q1.CountStatus("")
	crash(t, q1)

	start := time.Now()
	q2, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, q2.Start())
	defer q2.Stop()
	recovery := time.Since(start)

	assert.Equal(t, before, q2.CountStatus(""))
	assert.Equal(t, types.JobID(jobs), q2.Stats().LastID)

	t.Logf("=== Recovery Performance ===")
	t.Logf("Recovery time:  %v", recovery)
	t.Logf("Jobs recovered: %d", q2.Stats().Total)
	assert.Less(t, recovery, 3*time.Second)
}

func BenchmarkSubmit(b *testing.B) {
	cfg := testConfig(b.TempDir())
	q, err := New(cfg)
	require.NoError(b, err)
	require.NoError(b, q.Start())
	defer q.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := q.Submit(SubmitRequest{Input: "payload"}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSubmitBatch(b *testing.B) {
	cfg := testConfig(b.TempDir())
	q, err := New(cfg)
	require.NoError(b, err)
	require.NoError(b, q.Start())
	defer q.Stop()

	items := make([]SubmitRequest, 1000)
	for i := range items {
		items[i] = SubmitRequest{Input: fmt.Sprintf("job-%d", i)}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := q.SubmitBatch(items); err != nil {
			b.Fatal(err)
		}
	}
}
