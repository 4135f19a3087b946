// Package server accepts NetSchedule client connections and feeds their lines
// to a per-connection session.
package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/ChuLiYu/netschedule/internal/acl"
	"github.com/ChuLiYu/netschedule/internal/logging"
	"github.com/ChuLiYu/netschedule/internal/metrics"
	"github.com/ChuLiYu/netschedule/internal/protocol"
	"github.com/ChuLiYu/netschedule/internal/queue"
	"github.com/ChuLiYu/netschedule/internal/session"
)

const (
	// MaxLineSize caps one protocol line. Longer lines are a syntax error.
	MaxLineSize = 64 * 1024

	drainTimeout = 100 * time.Millisecond
	writeTimeout = 10 * time.Second
)

// Config holds the listener settings.
type Config struct {
	Listen string
	// Host and Port are advertised next to job keys. Port 0 means the
	// port the listener is bound to.
	Host           string
	Port           int
	IdleTimeout    time.Duration
	MaxConnections int
	MaxBatchSize   int
	AdminHosts     string
	HealthListen   string
	Version        string
	Build          string
}

// Server is the NetSchedule TCP front end.
type Server struct {
	cfg     Config
	queues  *queue.Registry
	admin   *acl.AccessList
	logger  pslog.Logger
	metrics *metrics.Collector
	reload  func() error

	instanceID string
	startedAt  time.Time
	shutdown   atomic.Bool
	env        *session.Env

	listener net.Listener
	health   *healthService
	sem      chan struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	done     chan struct{}
	doneOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Server) { s.metrics = m }
}

// WithReload sets the function behind the RECO command.
func WithReload(fn func() error) Option {
	return func(s *Server) { s.reload = fn }
}

// WithACLOptions configures the admin host list (tests inject a resolver).
func WithACLOptions(opts ...acl.Option) Option {
	return func(s *Server) { s.admin = acl.New(s.logger, opts...) }
}

// New creates a server for the queues in reg. Call Listen or Serve to start it.
func New(cfg Config, reg *queue.Registry, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg,
		queues:     reg,
		instanceID: uuid.NewString(),
		conns:      make(map[net.Conn]struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.WithSubsystem(s.logger, "server")
	if s.admin == nil {
		s.admin = acl.New(s.logger)
	}
	s.admin.SetHosts(cfg.AdminHosts)
	if cfg.MaxConnections > 0 {
		s.sem = make(chan struct{}, cfg.MaxConnections)
	}
	return s
}

// InstanceID identifies this server process.
func (s *Server) InstanceID() string { return s.instanceID }

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Done is closed once shutdown was requested.
func (s *Server) Done() <-chan struct{} { return s.done }

// ShuttingDown reports whether shutdown was requested.
func (s *Server) ShuttingDown() bool { return s.shutdown.Load() }

// RequestShutdown stops accepting commands and wakes Serve.
func (s *Server) RequestShutdown() {
	s.shutdown.Store(true)
	s.doneOnce.Do(func() {
		s.logger.Info("server.shutdown.requested")
		close(s.done)
	})
}

// SetAdminHosts replaces the admin host list.
func (s *Server) SetAdminHosts(hosts string) {
	s.admin.SetHosts(hosts)
	s.logger.Info("server.admin_hosts.updated", "hosts", s.admin.String())
}

// Listen binds the protocol listener and, when configured, the health
// service.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	lis, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Listen, err)
	}
	if s.cfg.HealthListen != "" {
		h, err := startHealth(s.cfg.HealthListen, s.logger)
		if err != nil {
			lis.Close()
			return err
		}
		s.health = h
	}
	s.listener = lis
	s.startedAt = time.Now()

	port := s.cfg.Port
	if port == 0 {
		if ap, err := netip.ParseAddrPort(lis.Addr().String()); err == nil {
			port = int(ap.Port())
		}
	}
	s.env = &session.Env{
		Queues:       s.queues,
		AdminHosts:   s.admin,
		Shutdown:     &s.shutdown,
		OnShutdown:   s.RequestShutdown,
		Reload:       s.reload,
		Host:         s.cfg.Host,
		Port:         port,
		InstanceID:   s.instanceID,
		Version:      s.cfg.Version,
		Build:        s.cfg.Build,
		StartedAt:    s.startedAt,
		MaxBatchSize: s.cfg.MaxBatchSize,
		Metrics:      s.metrics,
		Logger:       s.logger,
	}
	s.logger.Info("server.listening", "addr", lis.Addr().String(), "instance", s.instanceID,
		"advertise", fmt.Sprintf("%s:%d", s.cfg.Host, port))
	return nil
}

// Serve accepts connections until ctx is canceled or shutdown is requested,
// then closes every connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	acceptErr := make(chan error, 1)
	go func() { acceptErr <- s.acceptLoop() }()

	var err error
	accepting := true
	select {
	case <-ctx.Done():
		s.RequestShutdown()
	case <-s.done:
	case err = <-acceptErr:
		accepting = false
		s.RequestShutdown()
	}

	if s.health != nil {
		s.health.stop()
	}
	s.listener.Close()
	if accepting {
		<-acceptErr
	}
	s.closeConns()
	s.wg.Wait()
	s.logger.Info("server.stopped")
	return err
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("server.accept.retry", "error", err)
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		if s.shutdown.Load() {
			s.refuse(conn, protocol.Errorf(protocol.CodeShuttingDown, ""))
			continue
		}
		if s.sem != nil {
			select {
			case s.sem <- struct{}{}:
			default:
				s.logger.Warn("server.conn.limit", "remote", conn.RemoteAddr().String(), "max", s.cfg.MaxConnections)
				s.refuse(conn, protocol.Errorf(protocol.CodeInternal, "too many connections"))
				continue
			}
		}
		s.track(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) refuse(conn net.Conn, e *protocol.Error) {
	conn.SetWriteDeadline(time.Now().Add(drainTimeout))
	io.WriteString(conn, e.Line()+"\n")
	conn.Close()
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.metrics.ConnOpened()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.metrics.ConnClosed()
	if s.sem != nil {
		<-s.sem
	}
}

// armRead sets the idle deadline for the next read. It fails once shutdown
// was requested so a handler never re-arms a connection closeConns expired.
func (s *Server) armRead(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	if s.cfg.IdleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}
	return true
}

// closeConns unblocks every handler waiting on a read.
func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.SetReadDeadline(time.Now())
	}
}

// ============================================================================
// Connection handling
// ============================================================================

var errLineTooLong = errors.New("line too long")

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	connID := xid.New().String()
	peer := peerAddr(conn.RemoteAddr())
	logger := s.logger.With("conn", connID, "remote", conn.RemoteAddr().String())
	logger.Debug("server.conn.accepted")
	defer logger.Debug("server.conn.closed")

	sess := session.New(s.env, peer, connID)
	reader := bufio.NewReader(conn)
	for {
		if !s.armRead(conn) {
			return
		}
		line, err := readLine(reader, MaxLineSize)
		if errors.Is(err, errLineTooLong) {
			logger.Warn("server.conn.line_too_long", "max", MaxLineSize)
			s.write(conn, []string{protocol.Errorf(protocol.CodeSyntax, "line exceeds %d bytes", MaxLineSize).Line()})
			drain(conn, reader)
			return
		}
		if err != nil && (len(line) == 0 || !errors.Is(err, io.EOF)) {
			if !errors.Is(err, io.EOF) && !s.shutdown.Load() {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					logger.Debug("server.conn.idle_timeout")
				} else {
					logger.Debug("server.conn.read_failed", "error", err)
				}
			}
			return
		}

		reply := sess.Process(line)
		if reply.Err != nil {
			logger.Warn("server.conn.command_failed", "error", reply.Err, "fatal", reply.Fatal)
		}
		if len(reply.Lines) > 0 {
			if werr := s.write(conn, reply.Lines); werr != nil {
				logger.Debug("server.conn.write_failed", "error", werr)
				return
			}
		}
		if reply.After != nil {
			reply.After()
		}
		if reply.Close {
			if reply.Drain {
				drain(conn, reader)
			}
			return
		}
		if err != nil {
			// final line without a newline
			return
		}
	}
}

func (s *Server) write(conn net.Conn, lines []string) error {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := conn.Write(buf.Bytes())
	return err
}

// readLine returns one line without its terminator. A trailing line with no
// newline is returned together with io.EOF.
func readLine(r *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > max+2 {
			return nil, errLineTooLong
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return bytes.TrimRight(line, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return bytes.TrimRight(line, "\r\n"), err
		}
	}
}

// drain discards what the client already sent so the close is not turned
// into a reset.
func drain(conn net.Conn, r *bufio.Reader) {
	conn.SetReadDeadline(time.Now().Add(drainTimeout))
	io.Copy(io.Discard, r)
}

func peerAddr(addr net.Addr) netip.Addr {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		if ap := tcp.AddrPort(); ap.IsValid() {
			return ap.Addr().Unmap()
		}
	}
	host := addr.String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	a, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return netip.Addr{}
	}
	return a.Unmap()
}
