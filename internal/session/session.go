// Package session drives one client connection through the NetSchedule text
// protocol: authentication, queue selection, command processing and the
// batch submission dialogue. It never touches the network; the server feeds
// it one line at a time and writes back the Reply.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"github.com/ChuLiYu/netschedule/internal/acl"
	"github.com/ChuLiYu/netschedule/internal/logging"
	"github.com/ChuLiYu/netschedule/internal/metrics"
	"github.com/ChuLiYu/netschedule/internal/protocol"
	"github.com/ChuLiYu/netschedule/internal/queue"
)

// Credentials that grant the admin role when the peer is an admin host.
const (
	AdminCredential   = "netschedule_admin"
	ControlCredential = "netschedule_control"
)

// NoQueue is the reserved queue name meaning "no queue bound".
const NoQueue = "noname"

// DefaultMaxBatchSize caps the item count of one BSUB dialogue.
const DefaultMaxBatchSize = 10000

// Phase is the protocol phase of a session.
type Phase int

const (
	PhaseAuth Phase = iota
	PhaseQueue
	PhaseRequest
	PhaseBatchHeader
	PhaseBatchItem
	PhaseBatchEnd
	PhaseClosed
)

var phaseNames = [...]string{"auth", "queue", "request", "batch-header", "batch-item", "batch-end", "closed"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Reply is the outcome of processing one line.
type Reply struct {
	Lines []string
	// Close asks the server to close the connection after writing Lines.
	Close bool
	// Drain asks the server to discard unread client input before closing.
	Drain bool
	// After runs once Lines were written successfully.
	After func()
	// Fatal marks a storage failure that put the server into shutdown.
	Fatal bool
	// Err carries an unexpected failure for the connection's log.
	Err error
}

func lines(l ...string) Reply { return Reply{Lines: l} }

// Env is the server context shared by every session.
type Env struct {
	Queues     *queue.Registry
	AdminHosts *acl.AccessList
	Shutdown   *atomic.Bool
	// OnShutdown is called after SHUTDOWN was acknowledged or a storage
	// failure was reported.
	OnShutdown func()
	// Reload re-reads the configuration (RECO).
	Reload func() error

	Host         string // advertised in job key replies
	Port         int
	InstanceID   string
	Version      string
	Build        string
	StartedAt    time.Time
	MaxBatchSize int

	Metrics *metrics.Collector
	Logger  pslog.Logger
}

type batchState struct {
	size    int
	items   []queue.SubmitRequest
	prevAff string
}

// Session is the per-connection protocol state. It is not safe for
// concurrent use.
type Session struct {
	env    *Env
	peer   netip.Addr
	logger pslog.Logger

	phase          Phase
	auth           string
	program        string
	queueName      string
	queue          *queue.Queue
	roles          protocol.Role
	versionChecked bool
	batch          batchState
}

// New creates a session for a connection from peer.
func New(env *Env, peer netip.Addr, connID string) *Session {
	logger := logging.WithSubsystem(env.Logger, "server.session")
	if connID != "" {
		logger = logger.With("conn", connID)
	}
	return &Session{
		env:    env,
		peer:   peer.Unmap(),
		logger: logger.With("peer", peer.String()),
		phase:  PhaseAuth,
	}
}

// Phase returns the current protocol phase.
func (s *Session) Phase() Phase { return s.phase }

// Roles returns the capabilities granted so far.
func (s *Session) Roles() protocol.Role { return s.roles }

// QueueName returns the bound queue name, or "" when none is bound.
func (s *Session) QueueName() string { return s.queueName }

// Process handles one protocol line. A panic in a handler is reported to the
// client as ERR:INTERNAL_ERROR and closes the connection.
func (s *Session) Process(line []byte) (reply Reply) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("session: panic in phase %s: %v", s.phase, r)
			s.logger.Error("session.panic", "error", err, "stack", string(debug.Stack()))
			s.phase = PhaseClosed
			reply = Reply{
				Lines: []string{protocol.Errorf(protocol.CodeInternal, "%v", r).Line()},
				Close: true,
				Err:   err,
			}
		}
	}()

	line = bytes.TrimRight(line, "\r\n")
	switch s.phase {
	case PhaseAuth:
		return s.processAuth(line)
	case PhaseQueue:
		return s.processQueue(line)
	case PhaseRequest:
		return s.processRequest(line)
	case PhaseBatchHeader:
		return s.processBatchHeader(line)
	case PhaseBatchItem:
		return s.processBatchItem(line)
	case PhaseBatchEnd:
		return s.processBatchEnd(line)
	default:
		return Reply{Close: true}
	}
}

// ============================================================================
// Bootstrap
// ============================================================================

func (s *Session) processAuth(line []byte) Reply {
	s.auth = string(line)
	s.program = parseProgram(s.auth)

	credential := strings.Contains(s.auth, AdminCredential) || strings.Contains(s.auth, ControlCredential)
	if credential {
		if s.env.AdminHosts == nil || s.env.AdminHosts.IsAllowed(s.peer) {
			s.roles |= protocol.RoleAdmin
		} else {
			s.logger.Warn("session.auth.admin_denied")
		}
	}
	s.phase = PhaseQueue
	s.logger.Debug("session.auth", "admin", s.roles&protocol.RoleAdmin != 0, "prog", s.program)
	return Reply{}
}

// parseProgram extracts the value of prog='...' (or prog="...") from the
// auth string.
func parseProgram(auth string) string {
	i := strings.Index(auth, "prog=")
	if i < 0 {
		return ""
	}
	rest := auth[i+len("prog="):]
	if rest == "" {
		return ""
	}
	if q := rest[0]; q == '\'' || q == '"' {
		if end := strings.IndexByte(rest[1:], q); end >= 0 {
			return rest[1 : end+1]
		}
		return rest[1:]
	}
	if end := strings.IndexAny(rest, " \t"); end >= 0 {
		return rest[:end]
	}
	return rest
}

func (s *Session) processQueue(line []byte) Reply {
	name := strings.TrimSpace(string(line))
	if rest, ok := strings.CutPrefix(name, "QUEUE "); ok {
		name = strings.TrimSpace(rest)
	}
	if name == "" || name == NoQueue {
		s.phase = PhaseRequest
		return Reply{}
	}

	q, ok := s.env.Queues.Get(name)
	if !ok {
		s.logger.Debug("session.queue.not_found", "queue", name)
		return lines(protocol.Errorf(protocol.CodeQueueNotFound, "%s", name).Line())
	}
	s.queue = q
	s.queueName = name
	s.roles |= protocol.RoleQueue
	if q.IsSubmitterAllowed(s.peer) {
		s.roles |= protocol.RoleSubmitter
	}
	if q.IsWorkerAllowed(s.peer) {
		s.roles |= protocol.RoleWorker
	}
	s.logger = s.logger.With("queue", name)
	s.phase = PhaseRequest
	return Reply{}
}

// ============================================================================
// Requests
// ============================================================================

func (s *Session) processRequest(line []byte) Reply {
	start := time.Now()
	if s.env.Shutdown != nil && s.env.Shutdown.Load() {
		s.phase = PhaseClosed
		return Reply{Lines: []string{protocol.Errorf(protocol.CodeShuttingDown, "").Line()}, Close: true}
	}

	tz := protocol.NewTokenizer(line)
	tok := tz.Next()
	if tok.Type != protocol.TokID {
		return s.reject("", protocol.Errorf(protocol.CodeSyntax, "command expected"), start)
	}
	verb := string(tok.Value)
	desc, ok := protocol.Lookup(verb)
	if !ok {
		return s.reject(verb, protocol.Errorf(protocol.CodeUnknownCmd, "%s", verb), start)
	}

	if !s.versionChecked {
		s.versionChecked = true
		if s.queue != nil && !s.queue.CheckProgram(s.program) {
			s.phase = PhaseClosed
			reply := s.reject(verb, protocol.Errorf(protocol.CodeClientVersion, "%q is not accepted by queue %s", s.program, s.queueName), start)
			reply.Close = true
			return reply
		}
	}

	if missing := desc.Role &^ s.roles; missing != 0 {
		if missing&protocol.RoleQueue != 0 {
			return s.reject(verb, protocol.Errorf(protocol.CodeQueueNotFound, "%s requires a queue", verb), start)
		}
		return s.reject(verb, protocol.Errorf(protocol.CodeAccessDenied, "%s requires %s", verb, missing), start)
	}

	req, err := protocol.ParseArgs(desc, tz)
	if err != nil {
		return s.reject(verb, err, start)
	}

	handler, ok := handlers[verb]
	if !ok {
		return s.reject(verb, protocol.Errorf(protocol.CodeUnknownCmd, "%s", verb), start)
	}
	reply := handler(s, &req)
	s.env.Metrics.RecordCommand(verb, resultOf(reply), time.Since(start))
	return reply
}

// reject answers a command that was refused before reaching its handler.
func (s *Session) reject(verb string, err error, start time.Time) Reply {
	reply := s.errReply(err)
	if verb == "" {
		verb = "-"
	}
	s.logger.Debug("session.command.rejected", "verb", verb, "error", err)
	s.env.Metrics.RecordCommand(verb, resultOf(reply), time.Since(start))
	return reply
}

func resultOf(reply Reply) string {
	for _, l := range reply.Lines {
		if strings.HasPrefix(l, protocol.ErrPrefix) {
			return string(protocol.ParseErrorLine(l).Code)
		}
	}
	return "ok"
}

// errReply maps an error to its wire reply.
func (s *Session) errReply(err error) Reply {
	var pe *protocol.Error
	switch {
	case errors.As(err, &pe):
		return lines(pe.Line())
	case errors.Is(err, queue.ErrJobNotFound):
		return lines(protocol.Errorf(protocol.CodeJobNotFound, "").Line())
	case errors.Is(err, queue.ErrInvalidStatus):
		return lines(protocol.Errorf(protocol.CodeInvalidStatus, "").Line())
	case errors.Is(err, queue.ErrInputTooLong), errors.Is(err, queue.ErrTimeoutTooLong):
		return lines(protocol.Errorf(protocol.CodeSyntax, "%v", err).Line())
	case errors.Is(err, queue.ErrStopped):
		return lines(protocol.Errorf(protocol.CodeShuttingDown, "").Line())
	case errors.Is(err, queue.ErrStorageFatal):
		s.logger.Error("session.storage.fatal", "error", err)
		if s.env.Shutdown != nil {
			s.env.Shutdown.Store(true)
		}
		return Reply{
			Lines: []string{protocol.Errorf(protocol.CodeStorage, "%v", err).Line()},
			Fatal: true,
			After: s.env.OnShutdown,
			Err:   err,
		}
	default:
		s.logger.Error("session.command.failed", "error", err)
		return Reply{Lines: []string{protocol.Errorf(protocol.CodeInternal, "%v", err).Line()}, Err: err}
	}
}
