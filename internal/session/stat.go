package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ChuLiYu/netschedule/internal/protocol"
	"github.com/ChuLiYu/netschedule/internal/queue"
	"github.com/ChuLiYu/netschedule/internal/storage/wal"
	"github.com/ChuLiYu/netschedule/pkg/types"
)

// handleStat reports server and per-queue statistics. "STAT ALL" adds host
// lists, timeline sizes and WAL details.
func (s *Session) handleStat(req *protocol.Request) Reply {
	all := strings.EqualFold(req.Option, "ALL")
	if req.Option != "" && !all {
		return s.errReply(protocol.Errorf(protocol.CodeSyntax, "unknown STAT option %q", req.Option))
	}

	payload := []string{
		fmt.Sprintf("Started: %s (%s)", s.env.StartedAt.UTC().Format(time.RFC3339), humanize.Time(s.env.StartedAt)),
		"Version: " + s.env.Version,
		"Instance: " + s.env.InstanceID,
		fmt.Sprintf("Shutdown: %t", s.env.Shutdown != nil && s.env.Shutdown.Load()),
	}
	if all && s.env.AdminHosts != nil {
		payload = append(payload, "Admin hosts: "+hostList(s.env.AdminHosts.String()))
	}

	queues := s.env.Queues.All()
	payload = append(payload, fmt.Sprintf("Queues: %d", len(queues)))
	for _, q := range queues {
		payload = append(payload, queueStat(q, all)...)
	}
	return multi(payload)
}

func queueStat(q *queue.Queue, all bool) []string {
	st := q.Stats()
	counts := make([]string, 0, len(types.AllStatuses))
	for _, status := range types.AllStatuses {
		counts = append(counts, fmt.Sprintf("%s=%s", status, humanize.Comma(int64(st.Counts[status.String()]))))
	}
	out := []string{
		fmt.Sprintf("Queue %s: total=%s %s", st.Name, humanize.Comma(int64(st.Total)), strings.Join(counts, " ")),
	}
	if !all {
		return out
	}

	prefix := "Queue " + st.Name + " "
	out = append(out,
		prefix+"run_timeout: "+st.RunTimeout.String(),
		prefix+"job_ttl: "+st.JobTTL.String(),
		prefix+"submit hosts: "+hostList(st.SubmitHosts),
		prefix+"worker hosts: "+hostList(st.WorkerHosts),
		fmt.Sprintf("%slisteners: %d", prefix, st.Listeners),
		fmt.Sprintf("%saffinity workers: %d", prefix, st.AffinityPrefs),
		fmt.Sprintf("%srun timeline: %d jobs in %d slots", prefix, st.RunTimeline, st.RunSlots),
		fmt.Sprintf("%sexpiry timeline: %d jobs", prefix, st.ExpiryTimeline),
		fmt.Sprintf("%slast id: %d", prefix, st.LastID),
		fmt.Sprintf("%swal seq: %d (%d buffered)", prefix, st.WALSeq, st.WALPending),
	)
	if ws, err := wal.GetWALStats(q.WALPath()); err == nil {
		out = append(out, fmt.Sprintf("%swal file: %s, %s events, %d corrupted",
			prefix, humanize.Bytes(uint64(ws.SizeBytes)), humanize.Comma(int64(ws.TotalEvents)), ws.CorruptedCount))
	}
	if st.Fatal {
		out = append(out, prefix+"storage: FAILED")
	}
	return out
}

func hostList(s string) string {
	if s == "" {
		return "any"
	}
	return s
}
