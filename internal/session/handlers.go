package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/netschedule/internal/protocol"
	"github.com/ChuLiYu/netschedule/internal/queue"
	"github.com/ChuLiYu/netschedule/pkg/types"
)

type handlerFunc func(s *Session, req *protocol.Request) Reply

var handlers map[string]handlerFunc

func init() {
	handlers = map[string]handlerFunc{
		"SUBMIT":   (*Session).handleSubmit,
		"BSUB":     (*Session).handleBatchSubmit,
		"CANCEL":   (*Session).handleCancel,
		"STATUS":   (*Session).handleStatus,
		"SST":      (*Session).handleShortStatus,
		"WST":      (*Session).handleShortStatus,
		"MPUT":     (*Session).handlePutProgress,
		"MGET":     (*Session).handleGetProgress,
		"DROJ":     (*Session).handleDrop,
		"GET":      (*Session).handleGet,
		"WGET":     (*Session).handleGet,
		"PUT":      (*Session).handlePut,
		"JXCG":     (*Session).handleExchange,
		"FPUT":     (*Session).handleFail,
		"RETURN":   (*Session).handleReturn,
		"JRTO":     (*Session).handleRunTimeout,
		"REGC":     (*Session).handleRegister,
		"URGC":     (*Session).handleUnregister,
		"CLRN":     (*Session).handleClearAffinity,
		"STSN":     (*Session).handleStatusSnapshot,
		"QPRT":     (*Session).handleQueuePrint,
		"DUMP":     (*Session).handleDump,
		"STAT":     (*Session).handleStat,
		"QLST":     (*Session).handleQueueList,
		"VERSION":  (*Session).handleVersion,
		"RECO":     (*Session).handleReconfigure,
		"SHUTDOWN": (*Session).handleShutdown,
		"QUIT":     (*Session).handleQuit,
	}
}

func okReply() Reply { return lines(protocol.OKPrefix) }

// multi renders payload lines as OK: lines terminated by OK:END.
func multi(payload []string) Reply {
	out := make([]string, 0, len(payload)+1)
	for _, p := range payload {
		out = append(out, protocol.OK(p))
	}
	return Reply{Lines: append(out, protocol.EndLine)}
}

func (s *Session) keyReply(id types.JobID) Reply {
	return lines(protocol.OKf("%s %s %d", protocol.FormatJobKey(id), s.env.Host, s.env.Port))
}

func jobLine(job types.Job) string {
	return protocol.OKf("%s %s %s %d",
		protocol.FormatJobKey(job.ID), protocol.Quote(job.Input), protocol.Quote(job.Affinity), job.Mask)
}

// timeoutArg converts a timeout argument in seconds, refusing values the
// queue would not accept before they can overflow a time.Duration.
func (s *Session) timeoutArg(n int) (time.Duration, error) {
	limit := s.queue.Config().MaxRunTimeout
	if n < 0 || int64(n) > int64(limit/time.Second) {
		return 0, protocol.Errorf(protocol.CodeSyntax, "timeout %d out of range [0, %d]", n, int64(limit/time.Second))
	}
	return time.Duration(n) * time.Second, nil
}

// withJob parses the job key and runs fn with the id.
func (s *Session) withJob(req *protocol.Request, fn func(types.JobID) Reply) Reply {
	id, err := protocol.ParseJobKey(req.JobKey)
	if err != nil {
		return s.errReply(err)
	}
	return fn(id)
}

// ============================================================================
// Submitter commands
// ============================================================================

func (s *Session) handleSubmit(req *protocol.Request) Reply {
	timeout, err := s.timeoutArg(req.Timeout)
	if err != nil {
		return s.errReply(err)
	}
	id, err := s.queue.Submit(queue.SubmitRequest{
		Input:         req.Input,
		ProgressMsg:   req.ProgressMsg,
		Affinity:      req.Affinity,
		Mask:          req.Mask,
		NotifyHost:    s.peer,
		NotifyPort:    req.Port,
		NotifyTimeout: timeout,
	})
	if err != nil {
		return s.errReply(err)
	}
	return s.keyReply(id)
}

func (s *Session) handleCancel(req *protocol.Request) Reply {
	return s.withJob(req, func(id types.JobID) Reply {
		if err := s.queue.Cancel(id); err != nil {
			return s.errReply(err)
		}
		return okReply()
	})
}

func (s *Session) handleDrop(req *protocol.Request) Reply {
	return s.withJob(req, func(id types.JobID) Reply {
		if err := s.queue.DropJob(id); err != nil {
			return s.errReply(err)
		}
		return okReply()
	})
}

// ============================================================================
// Status and progress
// ============================================================================

func (s *Session) handleStatus(req *protocol.Request) Reply {
	return s.withJob(req, func(id types.JobID) Reply {
		job, err := s.queue.GetStatus(id)
		if err != nil {
			return s.errReply(err)
		}
		return lines(protocol.OKf("%d %d %s %s %s", int(job.Status), job.RetCode,
			protocol.Quote(job.Output), protocol.Quote(job.ErrMsg), protocol.Quote(job.Input)))
	})
}

func (s *Session) handleShortStatus(req *protocol.Request) Reply {
	return s.withJob(req, func(id types.JobID) Reply {
		job, err := s.queue.GetStatus(id)
		if err != nil {
			return s.errReply(err)
		}
		return lines(protocol.OK(strconv.Itoa(int(job.Status))))
	})
}

func (s *Session) handlePutProgress(req *protocol.Request) Reply {
	return s.withJob(req, func(id types.JobID) Reply {
		if err := s.queue.PutProgress(id, req.ProgressMsg); err != nil {
			return s.errReply(err)
		}
		return okReply()
	})
}

func (s *Session) handleGetProgress(req *protocol.Request) Reply {
	return s.withJob(req, func(id types.JobID) Reply {
		msg, err := s.queue.GetProgress(id)
		if err != nil {
			return s.errReply(err)
		}
		return lines(protocol.OK(protocol.Quote(msg)))
	})
}

// ============================================================================
// Worker commands
// ============================================================================

// handleGet serves GET and WGET. With no job available a port registers the
// peer as a listener: WGET for its timeout, GET for the default period.
func (s *Session) handleGet(req *protocol.Request) Reply {
	timeout := queue.DefaultListenerTimeout
	if req.Verb == "WGET" {
		t, err := s.timeoutArg(req.Timeout)
		if err != nil {
			return s.errReply(err)
		}
		timeout = t
	}
	job, found, err := s.queue.GetJob(s.peer, req.Affinity)
	if err != nil {
		return s.errReply(err)
	}
	if found {
		return lines(jobLine(job))
	}
	if req.Port > 0 {
		s.queue.RegisterNotificationListener(s.peer, req.Port, timeout)
	}
	return okReply()
}

// handlePut records a result. The job leaves the run timeline only after
// the reply has been written.
func (s *Session) handlePut(req *protocol.Request) Reply {
	return s.withJob(req, func(id types.JobID) Reply {
		job, err := s.queue.PutResult(id, req.RetCode, req.Output)
		if err != nil {
			return s.errReply(err)
		}
		q := s.queue
		return Reply{
			Lines: []string{protocol.OKPrefix},
			After: func() { q.RemoveFromTimeLine(job.ID, job.RunDeadline) },
		}
	})
}

// handleExchange completes the named job, if any, and hands out the next one.
func (s *Session) handleExchange(req *protocol.Request) Reply {
	var doneID types.JobID
	if req.Has(protocol.FieldJobKey) {
		id, err := protocol.ParseJobKey(req.JobKey)
		if err != nil {
			return s.errReply(err)
		}
		doneID = id
	}

	done, next, found, err := s.queue.PutResultGetJob(s.peer, doneID, req.RetCode, req.Output, req.Affinity)
	if err != nil {
		return s.errReply(err)
	}

	reply := okReply()
	var nextID types.JobID
	if found {
		reply = lines(jobLine(next))
		nextID = next.ID
	}
	if doneID != 0 || found {
		q := s.queue
		reply.After = func() { q.TimeLineExchange(done.ID, done.RunDeadline, nextID, next.RunDeadline) }
	}
	return reply
}

func (s *Session) handleFail(req *protocol.Request) Reply {
	return s.withJob(req, func(id types.JobID) Reply {
		if _, err := s.queue.FailJob(id, req.ErrMsg, req.Output, req.RetCode); err != nil {
			return s.errReply(err)
		}
		return okReply()
	})
}

func (s *Session) handleReturn(req *protocol.Request) Reply {
	return s.withJob(req, func(id types.JobID) Reply {
		if err := s.queue.ReturnJob(id); err != nil {
			return s.errReply(err)
		}
		return okReply()
	})
}

func (s *Session) handleRunTimeout(req *protocol.Request) Reply {
	return s.withJob(req, func(id types.JobID) Reply {
		timeout, err := s.timeoutArg(req.Timeout)
		if err != nil {
			return s.errReply(err)
		}
		if err := s.queue.SetJobRunTimeout(id, timeout); err != nil {
			return s.errReply(err)
		}
		return okReply()
	})
}

func (s *Session) handleRegister(req *protocol.Request) Reply {
	if req.Port <= 0 || req.Port > 65535 {
		return s.errReply(protocol.Errorf(protocol.CodeSyntax, "invalid port %d", req.Port))
	}
	s.queue.RegisterNotificationListener(s.peer, req.Port, queue.DefaultListenerTimeout)
	return okReply()
}

func (s *Session) handleUnregister(req *protocol.Request) Reply {
	if req.Port <= 0 || req.Port > 65535 {
		return s.errReply(protocol.Errorf(protocol.CodeSyntax, "invalid port %d", req.Port))
	}
	s.queue.UnRegisterNotificationListener(s.peer, req.Port)
	return okReply()
}

func (s *Session) handleClearAffinity(req *protocol.Request) Reply {
	s.queue.ClearAffinity(s.peer, req.Affinity)
	return okReply()
}

// ============================================================================
// Queue inspection
// ============================================================================

func (s *Session) handleStatusSnapshot(req *protocol.Request) Reply {
	counts := s.queue.CountStatus(req.Affinity)
	payload := make([]string, 0, len(types.AllStatuses))
	for _, st := range types.AllStatuses {
		payload = append(payload, fmt.Sprintf("%s:%d", st, counts[st]))
	}
	return multi(payload)
}

func (s *Session) handleQueuePrint(req *protocol.Request) Reply {
	status, valid := types.ParseStatus(req.Status)
	if !valid {
		return s.errReply(protocol.Errorf(protocol.CodeSyntax, "unknown status %q", req.Status))
	}
	ids := s.queue.IDsByStatus(status)
	payload := make([]string, len(ids))
	for i, id := range ids {
		payload[i] = protocol.FormatJobKey(id)
	}
	return multi(payload)
}

func (s *Session) handleDump(req *protocol.Request) Reply {
	if req.JobKey == "" {
		return multi(s.queue.Dump())
	}
	return s.withJob(req, func(id types.JobID) Reply {
		descr, err := s.queue.GetJobDescr(id)
		if err != nil {
			return s.errReply(err)
		}
		return multi(descr)
	})
}

func (s *Session) handleQueueList(*protocol.Request) Reply {
	return lines(protocol.OK(strings.Join(s.env.Queues.Names(), ";")))
}

// ============================================================================
// Server commands
// ============================================================================

func (s *Session) handleVersion(*protocol.Request) Reply {
	return lines(protocol.OKf("NCBI NetSchedule server version=%s build=%s instance=%s",
		s.env.Version, s.env.Build, s.env.InstanceID))
}

func (s *Session) handleReconfigure(*protocol.Request) Reply {
	if s.env.Reload == nil {
		return s.errReply(protocol.Errorf(protocol.CodeInternal, "reconfiguration is not available"))
	}
	if err := s.env.Reload(); err != nil {
		s.logger.Warn("session.reconfigure.failed", "error", err)
		return s.errReply(protocol.Errorf(protocol.CodeInternal, "%v", err))
	}
	s.logger.Info("session.reconfigured")
	return okReply()
}

func (s *Session) handleShutdown(*protocol.Request) Reply {
	s.logger.Info("session.shutdown.requested")
	env := s.env
	return Reply{
		Lines: []string{protocol.OKPrefix},
		After: func() {
			if env.Shutdown != nil {
				env.Shutdown.Store(true)
			}
			if env.OnShutdown != nil {
				env.OnShutdown()
			}
		},
	}
}

func (s *Session) handleQuit(*protocol.Request) Reply {
	s.phase = PhaseClosed
	return Reply{Close: true, Drain: true}
}
