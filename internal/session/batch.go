package session

import (
	"github.com/ChuLiYu/netschedule/internal/protocol"
	"github.com/ChuLiYu/netschedule/internal/queue"
)

// Batch submission dialogue:
//
//	BSUB               -> OK:Batch submit ready
//	BTCH <n> | ENDS    (no reply for BTCH; ENDS -> OK:)
//	"<input>" [affp | aff="<token>"] [msk=<n>]   x n, no replies
//	ENDB               -> OK:<first_jobkey> <host> <port>
//
// Any malformed line replies ERR, discards the batch and returns to the
// request phase. Nothing reaches the queue before ENDB.

const (
	batchHeaderVerb = "BTCH"
	batchAbortVerb  = "ENDS"
	batchEndVerb    = "ENDB"
	// affp copies the affinity of the previous item.
	affinityPrevious = "affp"
)

func (s *Session) handleBatchSubmit(*protocol.Request) Reply {
	s.batch = batchState{}
	s.phase = PhaseBatchHeader
	return lines(protocol.OK("Batch submit ready"))
}

func (s *Session) abortBatch(err error) Reply {
	s.batch = batchState{}
	s.phase = PhaseRequest
	s.logger.Debug("session.batch.aborted", "error", err)
	s.env.Metrics.RecordCommand("BSUB", string(protocol.CodeSyntax), 0)
	return s.errReply(err)
}

func (s *Session) processBatchHeader(line []byte) Reply {
	tz := protocol.NewTokenizer(line)
	tok := tz.Next()
	if tok.Type != protocol.TokID {
		return s.abortBatch(protocol.Errorf(protocol.CodeSyntax, "batch header expected"))
	}
	switch string(tok.Value) {
	case batchAbortVerb:
		s.batch = batchState{}
		s.phase = PhaseRequest
		return lines(protocol.OKPrefix)
	case batchHeaderVerb:
	default:
		return s.abortBatch(protocol.Errorf(protocol.CodeSyntax, "batch header expected, got %q", tok.Value))
	}

	req, err := protocol.ParseArgs(protocol.BatchHeader, tz)
	if err != nil {
		return s.abortBatch(err)
	}
	limit := s.env.MaxBatchSize
	if limit <= 0 {
		limit = DefaultMaxBatchSize
	}
	if req.Count < 0 || req.Count > limit {
		return s.abortBatch(protocol.Errorf(protocol.CodeSyntax, "batch size %d out of range 0..%d", req.Count, limit))
	}

	s.batch = batchState{size: req.Count, items: make([]queue.SubmitRequest, 0, req.Count)}
	if req.Count == 0 {
		s.phase = PhaseBatchEnd
	} else {
		s.phase = PhaseBatchItem
	}
	return Reply{}
}

func (s *Session) processBatchItem(line []byte) Reply {
	req, err := protocol.ParseArgs(protocol.BatchItem, protocol.NewTokenizer(line))
	if err != nil {
		return s.abortBatch(err)
	}

	aff := req.Affinity
	switch req.Option {
	case "":
	case affinityPrevious:
		if req.Has(protocol.FieldAffinity) {
			return s.abortBatch(protocol.Errorf(protocol.CodeSyntax, "affp and aff= are exclusive"))
		}
		aff = s.batch.prevAff
	default:
		return s.abortBatch(protocol.Errorf(protocol.CodeSyntax, "unexpected batch item flag %q", req.Option))
	}

	s.batch.items = append(s.batch.items, queue.SubmitRequest{
		Input:    req.Input,
		Affinity: aff,
		Mask:     req.Mask,
	})
	s.batch.prevAff = aff
	if len(s.batch.items) == s.batch.size {
		s.phase = PhaseBatchEnd
	}
	return Reply{}
}

func (s *Session) processBatchEnd(line []byte) Reply {
	tz := protocol.NewTokenizer(line)
	tok := tz.Next()
	if tok.Type != protocol.TokID || string(tok.Value) != batchEndVerb {
		return s.abortBatch(protocol.Errorf(protocol.CodeSyntax, "%s expected after %d items", batchEndVerb, s.batch.size))
	}
	if rest := tz.Next(); rest.Type != protocol.TokNone {
		return s.abortBatch(protocol.Errorf(protocol.CodeSyntax, "unexpected data after %s", batchEndVerb))
	}

	items := s.batch.items
	s.batch = batchState{}
	s.phase = PhaseRequest

	if len(items) == 0 {
		return lines(protocol.OKPrefix)
	}
	first, err := s.queue.SubmitBatch(items)
	if err != nil {
		return s.errReply(err)
	}
	s.logger.Debug("session.batch.submitted", "count", len(items), "first", uint32(first))
	return s.keyReply(first)
}
