package queue

import (
	"net/netip"
	"time"

	"github.com/ChuLiYu/netschedule/internal/protocol"
	"github.com/ChuLiYu/netschedule/pkg/types"
)

// RegisterNotificationListener registers addr:port to receive a datagram
// whenever a job becomes dispatchable. A non-positive timeout uses
// DefaultListenerTimeout; longer ones are cut to MaxRunTimeout.
func (q *Queue) RegisterNotificationListener(addr netip.Addr, port int, timeout time.Duration) {
	if port <= 0 || port > 65535 || !addr.IsValid() {
		return
	}
	if timeout <= 0 {
		timeout = DefaultListenerTimeout
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	timeout = min(timeout, q.cfg.MaxRunTimeout)
	q.listeners[netip.AddrPortFrom(addr, uint16(port))] = q.now() + int64(timeout/time.Second)
}

// UnRegisterNotificationListener removes addr:port.
func (q *Queue) UnRegisterNotificationListener(addr netip.Addr, port int) {
	if port <= 0 || port > 65535 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.listeners, netip.AddrPortFrom(addr, uint16(port)))
}

// PruneListeners drops expired listeners and returns how many were removed.
func (q *Queue) PruneListeners() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	n := 0
	for ap, expiry := range q.listeners {
		if expiry < now {
			delete(q.listeners, ap)
			n++
		}
	}
	return n
}

// notifyListenersLocked tells every live listener that the queue has work.
func (q *Queue) notifyListenersLocked(now int64) {
	if q.notifier == nil || len(q.listeners) == 0 {
		return
	}
	msg := "NCID_01_1 " + q.cfg.Name
	for ap, expiry := range q.listeners {
		if expiry < now {
			continue
		}
		q.send(ap, msg)
	}
}

// notifySubmitterLocked sends "JNTF <key>" to the submitter of a job that
// reached a final status, while its notification window is open.
func (q *Queue) notifySubmitterLocked(job types.Job, now int64) {
	if q.notifier == nil || job.NotifyPort <= 0 || job.NotifyPort > 65535 || now > job.NotifyDeadline {
		return
	}
	host, err := netip.ParseAddr(job.NotifyHost)
	if err != nil {
		return
	}
	q.send(netip.AddrPortFrom(host, uint16(job.NotifyPort)), "JNTF "+protocol.FormatJobKey(job.ID))
}

func (q *Queue) send(ap netip.AddrPort, msg string) {
	err := q.notifier.Notify(ap, msg)
	q.metrics.RecordNotification(err)
	if err != nil {
		q.logger.Debug("queue.notify.failed", "addr", ap.String(), "error", err)
	}
}
