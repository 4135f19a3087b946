package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pkt.systems/pslog"

	"github.com/ChuLiYu/netschedule/internal/client"
	"github.com/ChuLiYu/netschedule/internal/config"
	"github.com/ChuLiYu/netschedule/internal/protocol"
	"github.com/ChuLiYu/netschedule/internal/storage/wal"
	"github.com/ChuLiYu/netschedule/pkg/types"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI(nil)

	assert.Equal(t, "netscheduled", cmd.Use)
	assert.Contains(t, cmd.Version, Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "submit", "status", "shutdown", "version", "wal"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	flags := cmd.PersistentFlags()
	require.NotNil(t, flags.Lookup("config"))
	assert.Equal(t, "configs/default.yaml", flags.Lookup("config").DefValue)
	assert.Equal(t, "c", flags.Lookup("config").Shorthand)
	assert.Equal(t, defaultAddr, flags.Lookup("addr").DefValue)
	assert.NotNil(t, flags.Lookup("log-level"))
	assert.NotNil(t, flags.Lookup("auth"))
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand(viper.New(), pslog.NoopLogger())
	assert.Equal(t, "run", cmd.Use)
	for _, name := range []string{"listen", "data-dir", "metrics-listen", "health-listen"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestBuildWALCommand(t *testing.T) {
	cmd := buildWALCommand()
	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"dump", "verify", "stats"}, names)
}

func TestApplyLogLevel(t *testing.T) {
	base := pslog.NoopLogger()

	got, err := applyLogLevel(base, "")
	require.NoError(t, err)
	assert.NotNil(t, got)

	got, err = applyLogLevel(base, "debug")
	require.NoError(t, err)
	assert.NotNil(t, got)

	_, err = applyLogLevel(base, "loud")
	assert.Error(t, err)
}

func TestLoadRunConfigOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "")

	v := viper.New()
	cfg, err := loadRunConfig(v, path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", cfg.Server.Listen)
	assert.False(t, cfg.Metrics.Enabled)

	v.Set("listen", "127.0.0.1:9999")
	v.Set("data-dir", "/tmp/elsewhere")
	v.Set("metrics-listen", "127.0.0.1:9998")
	cfg, err = loadRunConfig(v, path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Listen)
	assert.Equal(t, "/tmp/elsewhere", cfg.Storage.DataDir)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9998", cfg.Metrics.Listen)

	_, err = loadRunConfig(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to load config")
}

// ============================================================================
// daemon
// ============================================================================

func writeConfig(t *testing.T, dir, submitHosts string) string {
	t.Helper()
	yaml := `
server:
  listen: "127.0.0.1:0"
  host: testhost
  notify_workers: 2
storage:
  data_dir: "` + filepath.Join(dir, "data") + `"
  snapshot_interval: 1h
  sweep_interval: 1h
queues:
  - name: test
    failed_retries: 1
    submit_hosts: "` + submitHosts + `"
`
	path := filepath.Join(dir, "netschedule.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

type runningDaemon struct {
	d      *daemon
	addr   string
	cancel context.CancelFunc
	served chan error
}

func startDaemon(t *testing.T, path string) *runningDaemon {
	t.Helper()
	cfg, err := config.Load(path)
	require.NoError(t, err)
	d, err := newDaemon(cfg, path, nil)
	require.NoError(t, err)
	require.NoError(t, d.start())

	ctx, cancel := context.WithCancel(context.Background())
	rd := &runningDaemon{d: d, addr: d.server.Addr().String(), cancel: cancel, served: make(chan error, 1)}
	go func() { rd.served <- d.serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		rd.wait(t)
	})
	return rd
}

// wait blocks until serve returns; later calls return immediately.
func (rd *runningDaemon) wait(t *testing.T) {
	t.Helper()
	select {
	case err, ok := <-rd.served:
		if ok {
			assert.NoError(t, err)
			close(rd.served)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

// execute runs the CLI against rd and returns stdout.
func execute(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI(nil)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--addr", addr}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDaemonLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")
	rd := startDaemon(t, path)

	out, err := execute(t, rd.addr, "submit", "-q", "test", "hello")
	require.NoError(t, err)
	assert.Equal(t, "JSID_01_1\n", out)

	out, err = execute(t, rd.addr, "submit", "-q", "test", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "JSID_01_2\nJSID_01_3\n", out)

	out, err = execute(t, rd.addr, "status", "-q", "test", "JSID_01_3")
	require.NoError(t, err)
	assert.Contains(t, out, "Status:   Pending")
	assert.Contains(t, out, `Input:    "b"`)

	out, err = execute(t, rd.addr, "status", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "Queues: 1")
	assert.Contains(t, out, "Queue test: total=3")

	out, err = execute(t, rd.addr, "version", "--server")
	require.NoError(t, err)
	assert.Contains(t, out, "instance="+rd.d.server.InstanceID())

	_, err = execute(t, rd.addr, "status", "-q", "missing")
	assert.True(t, protocol.IsCode(err, protocol.CodeQueueNotFound), "got %v", err)

	// restrict submitters, then reload explicitly
	writeConfig(t, dir, "10.9.9.9")
	ctx := context.Background()
	admin, err := client.Dial(ctx, rd.addr, "netschedule_admin", "")
	require.NoError(t, err)
	_, err = admin.Cmd(ctx, "RECO")
	require.NoError(t, err)
	admin.Close()

	_, err = execute(t, rd.addr, "submit", "-q", "test", "denied")
	assert.True(t, protocol.IsCode(err, protocol.CodeAccessDenied), "got %v", err)

	out, err = execute(t, rd.addr, "shutdown")
	require.NoError(t, err)
	assert.Equal(t, "shutdown requested\n", out)
	rd.wait(t)

	// jobs survive a restart
	writeConfig(t, dir, "")
	rd2 := startDaemon(t, path)
	out, err = execute(t, rd2.addr, "status", "-q", "test", "JSID_01_2")
	require.NoError(t, err)
	assert.Contains(t, out, `Input:    "a"`)

	out, err = execute(t, rd2.addr, "submit", "-q", "test", "after")
	require.NoError(t, err)
	assert.Equal(t, "JSID_01_4\n", out)
}

func TestDaemonWatchesConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")
	rd := startDaemon(t, path)

	_, err := execute(t, rd.addr, "submit", "-q", "test", "x")
	require.NoError(t, err)

	writeConfig(t, dir, "10.9.9.9")
	require.Eventually(t, func() bool {
		_, err := execute(t, rd.addr, "submit", "-q", "test", "y")
		return protocol.IsCode(err, protocol.CodeAccessDenied)
	}, 10*time.Second, 100*time.Millisecond)
}

func TestWALCommands(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "test.wal")
	w, err := wal.NewWAL(walPath, wal.Options{})
	require.NoError(t, err)
	job := types.Job{ID: 1, Input: "one", Status: types.StatusPending}
	require.NoError(t, w.Append(wal.EventSubmit, job, false))
	job.Status = types.StatusRunning
	require.NoError(t, w.Append(wal.EventDispatch, job, false))
	require.NoError(t, w.Close())

	out, err := execute(t, defaultAddr, "wal", "verify", walPath)
	require.NoError(t, err)
	assert.Equal(t, walPath+": ok, 2 events\n", out)

	out, err = execute(t, defaultAddr, "wal", "stats", walPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Events:     2")
	assert.Contains(t, out, "Sequence:   1 - 2")
	assert.Contains(t, out, "DISPATCH")
	assert.Contains(t, out, "SUBMIT")

	out, err = execute(t, defaultAddr, "wal", "dump", walPath)
	require.NoError(t, err)
	assert.Contains(t, out, "SUBMIT")

	_, err = execute(t, defaultAddr, "wal", "verify", filepath.Join(dir, "nope.wal"))
	assert.Error(t, err)
}
