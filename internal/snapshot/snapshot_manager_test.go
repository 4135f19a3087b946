package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/netschedule/pkg/types"
)

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	originalData := types.SnapshotData{
		Jobs: map[types.JobID]*types.Job{
			1: {ID: 1, Status: types.StatusPending, Input: "one"},
			2: {ID: 2, Status: types.StatusRunning, Input: "two", Attempt: 1, RunDeadline: 1700000100},
			3: {ID: 3, Status: types.StatusDone, Input: "three", Output: "ok", Attempt: 2},
		},
		LastSeq: 100,
		LastID:  3,
	}

	require.NoError(t, manager.Write(originalData))

	loadedData, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, loadedData.SchemaVer)
	assert.Equal(t, originalData.LastSeq, loadedData.LastSeq)
	assert.Equal(t, originalData.LastID, loadedData.LastID)
	require.Len(t, loadedData.Jobs, len(originalData.Jobs))

	for jobID, originalJob := range originalData.Jobs {
		loadedJob, exists := loadedData.Jobs[jobID]
		require.True(t, exists, "Job %d should exist", jobID)
		assert.Equal(t, *originalJob, *loadedJob)
	}
}

// TestAtomicWrite 測試原子性寫入：並發讀取只會看到完整的舊或新快照
func TestAtomicWrite(t *testing.T) {
	tempDir := t.TempDir()
	snapshotPath := filepath.Join(tempDir, "test_snapshot.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, manager.Write(types.SnapshotData{
		Jobs:    map[types.JobID]*types.Job{1: {ID: 1}},
		LastSeq: 50,
	}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(types.SnapshotData{
			Jobs:    map[types.JobID]*types.Job{2: {ID: 2}},
			LastSeq: 100,
		}))
	}()

	var loadedData types.SnapshotData
	go func() {
		defer wg.Done()
		data, err := manager.Load()
		assert.NoError(t, err)
		loadedData = data
	}()
	wg.Wait()

	assert.True(t, loadedData.LastSeq == 50 || loadedData.LastSeq == 100,
		"Should load either old (50) or new (100) snapshot, got %d", loadedData.LastSeq)

	// 臨時檔案不應殘留
	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}
}

// TestExists 測試檔案存在性檢查
func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))
	assert.False(t, manager.Exists())

	require.NoError(t, manager.Write(types.SnapshotData{}))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 測試首次啟動（無快照）
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "non_existent_snapshot.json"))

	loadedData, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loadedData.SchemaVer)
	assert.Zero(t, loadedData.LastSeq)
	assert.NotNil(t, loadedData.Jobs)
	assert.Empty(t, loadedData.Jobs)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	jsonBytes, err := json.Marshal(types.SnapshotData{SchemaVer: 2})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0o644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "test_snapshot.json")
	manager := NewManager(snapshotPath)

	corruptedJSON := `{"jobs": {"1": {"id": 1, "status": 0`
	require.NoError(t, os.WriteFile(snapshotPath, []byte(corruptedJSON), 0o644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure 測試寫入失敗（目錄不存在）
func TestWriteFailure(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing", "test_snapshot.json"))
	assert.Error(t, manager.Write(types.SnapshotData{}))
	assert.False(t, manager.Exists())
}

// TestLargeSnapshot 測試大型快照的寫入與載入
func TestLargeSnapshot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))

	largeData := types.SnapshotData{
		Jobs:    make(map[types.JobID]*types.Job),
		LastSeq: 10000,
	}
	for i := 1; i <= 1000; i++ {
		id := types.JobID(i)
		largeData.Jobs[id] = &types.Job{
			ID:      id,
			Status:  types.AllStatuses[i%len(types.AllStatuses)],
			Input:   strings.Repeat("x", i%64),
			Attempt: i % 5,
		}
	}

	require.NoError(t, manager.Write(largeData))
	loadedData, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loadedData.Jobs, len(largeData.Jobs))
	assert.Equal(t, largeData.LastSeq, loadedData.LastSeq)
}

// ============================================================================
// 並發安全測試
// ============================================================================

// TestConcurrentWrites 測試並發寫入
func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "test_snapshot.json"))

	const numGoroutines = 10
	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(index int) {
			defer wg.Done()
			id := types.JobID(index + 1)
			assert.NoError(t, manager.Write(types.SnapshotData{
				Jobs:    map[types.JobID]*types.Job{id: {ID: id}},
				LastSeq: uint64(index),
			}))
		}(i)
	}
	wg.Wait()

	loadedData, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loadedData.SchemaVer)
	assert.Len(t, loadedData.Jobs, 1)
}

// ============================================================================
// Benchmark 測試
// ============================================================================

// BenchmarkWrite 測試寫入效能
func BenchmarkWrite(b *testing.B) {
	manager := NewManager(filepath.Join(b.TempDir(), "benchmark_snapshot.json"))
	data := types.SnapshotData{
		Jobs:    map[types.JobID]*types.Job{1: {ID: 1, Input: "value"}},
		LastSeq: 100,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Write(data)
	}
}
