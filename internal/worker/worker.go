// ============================================================================
// NetSchedule Notification Worker - Datagram Sending Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that sends notification datagrams; each Worker runs in
// an independent goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Send the payload through the Sender (with timeout control)
//   3. Report the outcome through the pool's result hook
//   4. Repeat until taskCh is closed
//
// Timeout Control:
//   Each task gets its own context.WithTimeout; the UDP sender maps the
//   context deadline onto the socket write deadline.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"
)

// Sender delivers one datagram.
type Sender interface {
	Send(ctx context.Context, addr netip.AddrPort, payload []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, addr netip.AddrPort, payload []byte) error

func (f SenderFunc) Send(ctx context.Context, addr netip.AddrPort, payload []byte) error {
	return f(ctx, addr, payload)
}

// UDPSender sends datagrams from a single unconnected UDP socket.
type UDPSender struct {
	mu   sync.Mutex
	conn *net.UDPConn
}

// NewUDPSender opens an ephemeral local UDP socket.
func NewUDPSender() (*UDPSender, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	return &UDPSender{conn: conn}, nil
}

// Send writes payload to addr. The write deadline follows ctx.
func (s *UDPSender) Send(ctx context.Context, addr netip.AddrPort, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return net.ErrClosed
	}
	if dl, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(dl)
	} else {
		s.conn.SetWriteDeadline(time.Time{})
	}
	_, err := s.conn.WriteToUDPAddrPort(payload, addr)
	return err
}

// Close releases the socket.
func (s *UDPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Worker represents a send execution unit
type Worker struct {
	id             int         // Worker unique identifier, used for logging and debugging
	taskCh         <-chan Task // Task channel (read-only)
	sender         Sender
	defaultTimeout time.Duration
	onResult       func(Result)
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, sender Sender, timeout time.Duration, onResult func(Result)) *Worker {
	return &Worker{
		id:             id,
		taskCh:         taskCh,
		sender:         sender,
		defaultTimeout: timeout,
		onResult:       onResult,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		result := w.execute(task)
		if w.onResult != nil {
			w.onResult(result)
		}
	}
}

// execute sends one datagram; a panicking sender is reported as an error
func (w *Worker) execute(task Task) (result Result) {
	start := time.Now()
	result.Addr = task.Addr

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = w.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			result.Error = errors.New("worker: sender panicked")
		}
		result.Duration = time.Since(start)
	}()

	result.Error = w.sender.Send(ctx, task.Addr, task.Payload)
	return result
}
