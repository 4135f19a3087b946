package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/netschedule/internal/queue"
	"github.com/ChuLiYu/netschedule/pkg/types"
)

type testServer struct {
	srv    *Server
	q      *queue.Queue
	cancel context.CancelFunc
	served chan error
}

func startServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	q, err := queue.New(queue.Config{
		Name:             "test",
		DataDir:          t.TempDir(),
		SnapshotInterval: time.Hour,
		SweepInterval:    time.Hour,
	})
	require.NoError(t, err)
	reg := queue.NewRegistry()
	require.NoError(t, reg.Add(q))
	require.NoError(t, reg.StartAll())
	t.Cleanup(reg.StopAll)

	cfg := Config{Listen: "127.0.0.1:0", Host: "testhost", Version: "1.2.3", Build: "test"}
	if mutate != nil {
		mutate(&cfg)
	}
	srv := New(cfg, reg)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{srv: srv, q: q, cancel: cancel, served: make(chan error, 1)}
	go func() { ts.served <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-ts.served:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return ts
}

func (ts *testServer) port(t *testing.T) int {
	t.Helper()
	return ts.srv.Addr().(*net.TCPAddr).Port
}

type testConn struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dial(t *testing.T, ts *testServer) *testConn {
	t.Helper()
	conn, err := net.Dial("tcp", ts.srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testConn) send(line string) {
	c.t.Helper()
	_, err := io.WriteString(c.conn, line+"\r\n")
	require.NoError(c.t, err)
}

func (c *testConn) read() (string, error) {
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

func (c *testConn) expect(want string) {
	c.t.Helper()
	got, err := c.read()
	require.NoError(c.t, err)
	assert.Equal(c.t, want, got)
}

// call sends line and returns one reply line.
func (c *testConn) call(line string) string {
	c.t.Helper()
	c.send(line)
	got, err := c.read()
	require.NoError(c.t, err, "reply to %q", line)
	return got
}

// expectClosed waits for the server to close the connection.
func (c *testConn) expectClosed() {
	c.t.Helper()
	_, err := c.read()
	require.Error(c.t, err)
	assert.NotContains(c.t, err.Error(), "timeout")
}

func (c *testConn) login(auth, q string) {
	c.send(auth)
	c.send(q)
}

func TestEndToEndOverTCP(t *testing.T) {
	ts := startServer(t, nil)
	c := dial(t, ts)
	c.login("netschedule_admin", "test")

	assert.Equal(t, fmt.Sprintf("OK:JSID_01_1 testhost %d", ts.port(t)), c.call(`SUBMIT "payload"`))
	assert.Equal(t, `OK:0 0 "" "" "payload"`, c.call("STATUS JSID_01_1"))
	assert.Equal(t, `OK:JSID_01_1 "payload" "" 0`, c.call("GET"))
	assert.Equal(t, "OK:", c.call(`PUT JSID_01_1 0 "result"`))
	assert.Equal(t, `OK:5 0 "result" "" "payload"`, c.call("STATUS JSID_01_1"))
	assert.Zero(t, ts.q.Stats().RunTimeline)

	c.send("STSN")
	for _, want := range []string{"OK:Pending:0", "OK:Running:0", "OK:Returned:0", "OK:Canceled:0", "OK:Failed:0", "OK:Done:1", "OK:END"} {
		c.expect(want)
	}
}

// brokenWriteConn reads normally but every reply write fails, as when the
// peer resets the connection before the server answers.
type brokenWriteConn struct {
	net.Conn
}

func (brokenWriteConn) Write([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

// dispatch submits input and hands the job to a worker outside any
// connection, leaving it on the run timeline.
func (ts *testServer) dispatch(t *testing.T, input string) {
	t.Helper()
	_, err := ts.q.Submit(queue.SubmitRequest{Input: input})
	require.NoError(t, err)
	_, ok, err := ts.q.GetJob(netip.MustParseAddr("10.0.0.1"), "")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPutKeepsTimelineWhenReplyWriteFails(t *testing.T) {
	ts := startServer(t, nil)
	ts.dispatch(t, "a")
	require.Equal(t, 1, ts.q.Stats().RunTimeline)

	client, server := net.Pipe()
	defer client.Close()
	conn := brokenWriteConn{server}
	ts.srv.track(conn)
	ts.srv.wg.Add(1)
	done := make(chan struct{})
	go func() {
		ts.srv.handleConn(conn)
		close(done)
	}()

	go io.WriteString(client, "netschedule_admin\ntest\nPUT JSID_01_1 0 \"result\"\n")
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection handler did not return after the failed write")
	}

	job, err := ts.q.GetStatus(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDone, job.Status, "the result itself is recorded")
	assert.Equal(t, 1, ts.q.Stats().RunTimeline, "timeline cleanup runs only after a written reply")

	// the same command over a healthy connection clears its slot
	ts.dispatch(t, "b")
	require.Equal(t, 2, ts.q.Stats().RunTimeline)
	c := dial(t, ts)
	c.login("netschedule_admin", "test")
	assert.Equal(t, "OK:", c.call(`PUT JSID_01_2 0 "result"`))
	require.Eventually(t, func() bool { return ts.q.Stats().RunTimeline == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestQueueNotFoundKeepsConnection(t *testing.T) {
	ts := startServer(t, nil)
	c := dial(t, ts)
	c.send("client")
	c.send("nope")
	c.expect("ERR:QUEUE_NOT_FOUND:nope")
	c.send("test")
	assert.Equal(t, "OK:test", c.call("QLST"))
}

func TestQuitClosesConnection(t *testing.T) {
	ts := startServer(t, nil)
	c := dial(t, ts)
	c.login("client", "noname")
	c.send("QUIT")
	c.expectClosed()
}

func TestLineTooLong(t *testing.T) {
	ts := startServer(t, nil)
	c := dial(t, ts)
	c.login("client", "test")

	c.send(`SUBMIT "` + strings.Repeat("x", MaxLineSize+10) + `"`)
	got, err := c.read()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got, "ERR:PROTOCOL_SYNTAX_ERROR"), got)
	c.expectClosed()
	assert.Zero(t, ts.q.Stats().Total)
}

func TestIdleTimeout(t *testing.T) {
	ts := startServer(t, func(c *Config) { c.IdleTimeout = 100 * time.Millisecond })
	c := dial(t, ts)
	c.expectClosed()
}

func TestMaxConnections(t *testing.T) {
	ts := startServer(t, func(c *Config) { c.MaxConnections = 1 })
	first := dial(t, ts)
	first.login("client", "test")
	assert.Equal(t, "OK:test", first.call("QLST"))

	second := dial(t, ts)
	got, err := second.read()
	require.NoError(t, err)
	assert.Equal(t, "ERR:INTERNAL_ERROR:too many connections", got)

	first.send("QUIT")
	first.expectClosed()
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", ts.srv.Addr().String())
		if err != nil {
			return false
		}
		defer c.Close()
		io.WriteString(c, "client\ntest\nQLST\n")
		c.SetReadDeadline(time.Now().Add(time.Second))
		line, _ := bufio.NewReader(c).ReadString('\n')
		return strings.TrimSpace(line) == "OK:test"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestShutdownCommand(t *testing.T) {
	ts := startServer(t, nil)
	c := dial(t, ts)
	c.login("netschedule_control", "test")

	assert.Equal(t, "OK:", c.call("SHUTDOWN"))
	select {
	case <-ts.srv.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown not requested")
	}
	select {
	case err := <-ts.served:
		assert.NoError(t, err)
		ts.served <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.True(t, ts.srv.ShuttingDown())
	c.expectClosed()
}

func TestShutdownRequiresAdminHost(t *testing.T) {
	ts := startServer(t, func(c *Config) { c.AdminHosts = "10.200.0.1" })
	c := dial(t, ts)
	c.login("netschedule_admin", "test")

	got := c.call("SHUTDOWN")
	assert.True(t, strings.HasPrefix(got, "ERR:OPERATION_ACCESS_DENIED"), got)
	assert.False(t, ts.srv.ShuttingDown())

	ts.srv.SetAdminHosts("127.0.0.1")
	c2 := dial(t, ts)
	c2.login("netschedule_admin", "test")
	assert.Equal(t, "OK:", c2.call("SHUTDOWN"))
}

func TestContextCancelClosesConnections(t *testing.T) {
	ts := startServer(t, nil)
	c := dial(t, ts)
	c.login("client", "test")
	assert.Equal(t, "OK:test", c.call("QLST"))

	ts.cancel()
	c.expectClosed()
}

func TestVersionReportsInstance(t *testing.T) {
	ts := startServer(t, nil)
	c := dial(t, ts)
	c.login("client", "noname")
	assert.Equal(t,
		"OK:NCBI NetSchedule server version=1.2.3 build=test instance="+ts.srv.InstanceID(),
		c.call("VERSION"))
}

func TestHealthService(t *testing.T) {
	ts := startServer(t, func(c *Config) { c.HealthListen = "127.0.0.1:0" })
	require.NotNil(t, ts.srv.health)

	conn, err := grpc.NewClient(ts.srv.health.addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := healthpb.NewHealthClient(conn)
	for _, svc := range []string{"", HealthService} {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
	}
}

func TestReadLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		tooLong bool
	}{
		{"lf", "a\nb\n", []string{"a", "b"}, false},
		{"crlf", "a\r\nb\r\n", []string{"a", "b"}, false},
		{"trailing partial", "a\nb", []string{"a", "b"}, false},
		{"spans buffer", strings.Repeat("y", 40) + "\n", []string{strings.Repeat("y", 40)}, false},
		{"too long", strings.Repeat("z", 80) + "\n", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bufio.NewReaderSize(strings.NewReader(tt.input), 16)
			var got []string
			for {
				line, err := readLine(r, 64)
				if tt.tooLong {
					assert.ErrorIs(t, err, errLineTooLong)
					return
				}
				if len(line) > 0 {
					got = append(got, string(line))
				}
				if err != nil {
					assert.ErrorIs(t, err, io.EOF)
					break
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}
