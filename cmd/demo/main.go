package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ChuLiYu/netschedule/internal/client"
	"github.com/ChuLiYu/netschedule/pkg/types"
)

// Demo drives a running netscheduled: "submit" queues a batch of jobs,
// "work" runs worker loops that fetch and complete them, "status" prints
// the job counters. Kill and restart the server between steps to watch
// the queue recover.
func main() {
	addr := pflag.String("addr", "localhost:9100", "server address")
	queue := pflag.StringP("queue", "q", "test", "queue name")
	jobs := pflag.IntP("jobs", "n", 100, "jobs to submit")
	workers := pflag.IntP("workers", "w", 4, "concurrent worker loops")
	work := pflag.Duration("work", 50*time.Millisecond, "simulated run time per job")
	failEvery := pflag.Int("fail-every", 0, "fail every Nth job (0 disables)")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: demo [flags] <submit|work|status>\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch mode := pflag.Arg(0); mode {
	case "submit":
		err = submit(ctx, *addr, *queue, *jobs)
	case "work":
		err = runWorkers(ctx, *addr, *queue, *workers, *work, *failEvery)
	case "status":
		err = status(ctx, *addr)
	default:
		err = fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "demo: %v\n", err)
		os.Exit(1)
	}
}

func submit(ctx context.Context, addr, queue string, n int) error {
	c, err := client.Dial(ctx, addr, "demo_submitter", queue)
	if err != nil {
		return err
	}
	defer c.Close()

	stamp := time.Now().Unix()
	inputs := make([]string, n)
	for i := range inputs {
		inputs[i] = fmt.Sprintf("job_%03d_%d", i+1, stamp)
	}
	first, err := c.SubmitBatch(ctx, inputs)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Submitted %d jobs starting at %s\n", n, first)
	fmt.Println("💡 Start workers with 'demo work', kill the server mid-run, restart it and run 'demo status'")
	return nil
}

func runWorkers(ctx context.Context, addr, queue string, n int, work time.Duration, failEvery int) error {
	var done, failed atomic.Int64
	var wg sync.WaitGroup
	errCh := make(chan error, n)

	for i := range n {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := workLoop(ctx, addr, queue, id, work, failEvery, &done, &failed); err != nil {
				errCh <- err
			}
		}(i)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	for {
		select {
		case <-ticker.C:
			fmt.Printf("📊 Done=%d Failed=%d\n", done.Load(), failed.Load())
		case <-finished:
			fmt.Printf("✓ Workers idle: Done=%d Failed=%d\n", done.Load(), failed.Load())
			close(errCh)
			return <-errCh
		}
	}
}

// workLoop fetches jobs until the queue stays empty or ctx ends.
func workLoop(ctx context.Context, addr, queue string, id int, work time.Duration, failEvery int, done, failed *atomic.Int64) error {
	c, err := client.Dial(ctx, addr, fmt.Sprintf("demo_worker_%d", id), queue)
	if err != nil {
		return err
	}
	defer c.Close()

	idle := 0
	for idle < 10 {
		job, ok, err := c.Get(ctx, "")
		if err != nil {
			return err
		}
		if !ok {
			idle++
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		idle = 0

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(work):
		}
		n := done.Load() + failed.Load() + 1
		if failEvery > 0 && n%int64(failEvery) == 0 {
			if err := c.Fail(ctx, job.Key, "simulated failure", "", 1); err != nil {
				return err
			}
			failed.Add(1)
			continue
		}
		if err := c.Put(ctx, job.Key, 0, strings.ToUpper(job.Input)); err != nil {
			return err
		}
		done.Add(1)
	}
	return nil
}

func status(ctx context.Context, addr string) error {
	c, err := client.Dial(ctx, addr, "demo_status", "")
	if err != nil {
		return err
	}
	defer c.Close()

	lines, err := c.Stat(ctx, false)
	if err != nil {
		return err
	}
	fmt.Println("📊 Server status:")
	for _, l := range lines {
		fmt.Printf("  %s\n", l)
	}
	fmt.Printf("  (statuses: %s)\n", strings.Join(statusNames(), ", "))
	return nil
}

func statusNames() []string {
	out := make([]string, 0, len(types.AllStatuses))
	for _, s := range types.AllStatuses {
		out = append(out, s.String())
	}
	return out
}
