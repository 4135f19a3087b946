// Package client is a small NetSchedule text protocol client used by the
// command line tools and the demo.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/netschedule/internal/protocol"
	"github.com/ChuLiYu/netschedule/pkg/types"
)

// DefaultTimeout bounds one request/reply round trip when ctx has no deadline.
const DefaultTimeout = 30 * time.Second

// ErrUnexpectedReply is returned when the server answers with something that
// is neither OK: nor ERR:.
var ErrUnexpectedReply = errors.New("client: unexpected reply")

// Client is one authenticated connection. Methods are safe for concurrent
// use; requests are serialized.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
	queue   string
}

// Dial connects to addr, authenticates with auth and binds queue ("" for
// none). A queue the server does not know is returned as a *protocol.Error
// with CodeQueueNotFound.
func Dial(ctx context.Context, addr, auth, queue string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	c := &Client{conn: conn, r: bufio.NewReader(conn), timeout: DefaultTimeout, queue: queue}

	if queue == "" {
		queue = "noname"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// auth and queue lines get no reply; VERSION confirms both were accepted
	// or surfaces the queue error.
	if err := c.roundTrip(ctx, auth+"\n"+queue+"\nVERSION", func(line string) (bool, error) {
		return true, checkLine(line)
	}); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Queue returns the bound queue name.
func (c *Client) Queue() string { return c.queue }

// Close says QUIT and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	io.WriteString(c.conn, "QUIT\n")
	return c.conn.Close()
}

// Cmd sends one command and returns the payload of its single OK: reply.
func (c *Client) Cmd(ctx context.Context, line string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var payload string
	err := c.roundTrip(ctx, line, func(l string) (bool, error) {
		if err := checkLine(l); err != nil {
			return true, err
		}
		payload = strings.TrimPrefix(l, protocol.OKPrefix)
		return true, nil
	})
	return payload, err
}

// Multi sends a command whose reply is a list of OK: lines ending in OK:END.
func (c *Client) Multi(ctx context.Context, line string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	err := c.roundTrip(ctx, line, func(l string) (bool, error) {
		if err := checkLine(l); err != nil {
			return true, err
		}
		if l == protocol.EndLine {
			return true, nil
		}
		out = append(out, strings.TrimPrefix(l, protocol.OKPrefix))
		return false, nil
	})
	return out, err
}

// roundTrip writes line and feeds reply lines to fn until it reports done.
func (c *Client) roundTrip(ctx context.Context, line string, fn func(string) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := io.WriteString(c.conn, line+"\n"); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	for {
		raw, err := c.r.ReadString('\n')
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("client: read: %w", err)
		}
		done, err := fn(strings.TrimRight(raw, "\r\n"))
		if done || err != nil {
			return err
		}
	}
}

func checkLine(line string) error {
	switch {
	case strings.HasPrefix(line, protocol.ErrPrefix):
		return protocol.ParseErrorLine(line)
	case strings.HasPrefix(line, protocol.OKPrefix):
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnexpectedReply, line)
	}
}

// ============================================================================
// Typed helpers
// ============================================================================

// SubmitOptions are the optional SUBMIT arguments.
type SubmitOptions struct {
	Affinity string
	Mask     int
}

// Submit queues input and returns the job key.
func (c *Client) Submit(ctx context.Context, input string, opts SubmitOptions) (string, error) {
	line := "SUBMIT " + protocol.Quote(input)
	if opts.Affinity != "" {
		line += " aff=" + protocol.Quote(opts.Affinity)
	}
	if opts.Mask != 0 {
		line += " msk=" + strconv.Itoa(opts.Mask)
	}
	reply, err := c.Cmd(ctx, line)
	if err != nil {
		return "", err
	}
	key, _, _ := strings.Cut(reply, " ")
	return key, nil
}

// SubmitBatch runs the BSUB dialogue and returns the key of the first job.
// The remaining jobs carry the following ids.
func (c *Client) SubmitBatch(ctx context.Context, inputs []string) (string, error) {
	var b strings.Builder
	b.WriteString("BSUB\n")
	fmt.Fprintf(&b, "BTCH %d\n", len(inputs))
	for _, in := range inputs {
		b.WriteString(protocol.Quote(in))
		b.WriteByte('\n')
	}
	b.WriteString("ENDB")

	c.mu.Lock()
	defer c.mu.Unlock()
	var key string
	ready := false
	err := c.roundTrip(ctx, b.String(), func(l string) (bool, error) {
		if err := checkLine(l); err != nil {
			return true, err
		}
		if !ready {
			ready = true
			return false, nil
		}
		key, _, _ = strings.Cut(strings.TrimPrefix(l, protocol.OKPrefix), " ")
		return true, nil
	})
	return key, err
}

// JobStatus is the decoded STATUS reply.
type JobStatus struct {
	Status  types.JobStatus
	RetCode int
	Output  string
	ErrMsg  string
	Input   string
}

// Status fetches the status of key.
func (c *Client) Status(ctx context.Context, key string) (JobStatus, error) {
	reply, err := c.Cmd(ctx, "STATUS "+key)
	if err != nil {
		return JobStatus{}, err
	}
	return parseStatus(reply)
}

func parseStatus(reply string) (JobStatus, error) {
	tz := protocol.NewTokenizer([]byte(reply))
	var st JobStatus
	status, err := strconv.Atoi(string(tz.Next().Value))
	if err != nil {
		return st, fmt.Errorf("%w: status %q", ErrUnexpectedReply, reply)
	}
	st.Status = types.JobStatus(status)
	if st.RetCode, err = strconv.Atoi(string(tz.Next().Value)); err != nil {
		return st, fmt.Errorf("%w: ret code %q", ErrUnexpectedReply, reply)
	}
	strs := make([]string, 0, 3)
	for range 3 {
		tok := tz.Next()
		if tok.Type != protocol.TokStr {
			return st, fmt.Errorf("%w: %q", ErrUnexpectedReply, reply)
		}
		strs = append(strs, protocol.Unescape(tok.Value))
	}
	st.Output, st.ErrMsg, st.Input = strs[0], strs[1], strs[2]
	return st, nil
}

// Job is a dispatched job as returned by GET.
type Job struct {
	Key      string
	Input    string
	Affinity string
	Mask     int
}

// Get asks for a job. ok is false when the queue has nothing to hand out.
func (c *Client) Get(ctx context.Context, affinity string) (job Job, ok bool, err error) {
	line := "GET"
	if affinity != "" {
		line += " aff=" + protocol.Quote(affinity)
	}
	reply, err := c.Cmd(ctx, line)
	if err != nil || reply == "" {
		return Job{}, false, err
	}
	job, err = parseJob(reply)
	return job, err == nil, err
}

func parseJob(reply string) (Job, error) {
	tz := protocol.NewTokenizer([]byte(reply))
	key := tz.Next()
	input := tz.Next()
	aff := tz.Next()
	mask := tz.Next()
	if key.Type != protocol.TokID || input.Type != protocol.TokStr || aff.Type != protocol.TokStr {
		return Job{}, fmt.Errorf("%w: job %q", ErrUnexpectedReply, reply)
	}
	m, err := strconv.Atoi(string(mask.Value))
	if err != nil {
		return Job{}, fmt.Errorf("%w: mask %q", ErrUnexpectedReply, reply)
	}
	return Job{
		Key:      string(key.Value),
		Input:    protocol.Unescape(input.Value),
		Affinity: protocol.Unescape(aff.Value),
		Mask:     m,
	}, nil
}

// Put reports a successful result.
func (c *Client) Put(ctx context.Context, key string, retCode int, output string) error {
	_, err := c.Cmd(ctx, fmt.Sprintf("PUT %s %d %s", key, retCode, protocol.Quote(output)))
	return err
}

// Fail reports a failed run.
func (c *Client) Fail(ctx context.Context, key, errMsg, output string, retCode int) error {
	_, err := c.Cmd(ctx, fmt.Sprintf("FPUT %s %s %s %d", key, protocol.Quote(errMsg), protocol.Quote(output), retCode))
	return err
}

// Cancel cancels key.
func (c *Client) Cancel(ctx context.Context, key string) error {
	_, err := c.Cmd(ctx, "CANCEL "+key)
	return err
}

// Stat returns the STAT lines; all adds per-queue detail.
func (c *Client) Stat(ctx context.Context, all bool) ([]string, error) {
	if all {
		return c.Multi(ctx, "STAT ALL")
	}
	return c.Multi(ctx, "STAT")
}

// Queues lists the queue names served.
func (c *Client) Queues(ctx context.Context) ([]string, error) {
	reply, err := c.Cmd(ctx, "QLST")
	if err != nil || reply == "" {
		return nil, err
	}
	return strings.Split(reply, ";"), nil
}

// Version returns the server version line.
func (c *Client) Version(ctx context.Context) (string, error) {
	return c.Cmd(ctx, "VERSION")
}

// Shutdown asks the server to stop. It needs an admin connection.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.Cmd(ctx, "SHUTDOWN")
	return err
}
