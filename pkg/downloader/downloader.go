// Package downloader implements the database build pipeline: it fetches
// every 5-hex-digit prefix shard from the upstream range API, converts the
// text bodies to binary records and streams them into a sorted flat file.
//
// Two goroutines cooperate through a strict two-state handshake:
//
//   - The transport goroutine drives the HTTP client. While the pipeline is
//     in the handleRequests state it is the only goroutine allowed to mutate
//     tasks; it applies completed fetches and then yields.
//   - The writer goroutine owns both queues while the pipeline is in the
//     processQueues state: it moves completed tasks from the head of the
//     download queue to the process queue, refills the download queue, yields
//     back to the transport, and then does the slow work of converting and
//     appending records outside the lock.
//
// The writer only ever pops completed tasks from the front of the download
// queue, so records reach the disk in prefix order and the output is sorted
// by construction, with no post-pass.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/breachline/breachdb/internal/logger"
	"github.com/breachline/breachdb/pkg/flatfile"
	"github.com/breachline/breachdb/pkg/metrics"
	"github.com/breachline/breachdb/pkg/record"
)

const (
	// PrefixSpace is the number of upstream shards: one per 5-hex-digit
	// prefix.
	PrefixSpace = 0x100000

	// prefixBits is the shard key width in bits (5 hex digits).
	prefixBits = 20

	// stallTimeout bounds how long the writer waits for the transport to
	// yield. A stall this long means the transport is wedged, not slow;
	// the timeout is deliberately not configurable.
	stallTimeout = 10 * time.Second

	// DefaultParallelMax is the default number of in-flight shard fetches.
	DefaultParallelMax = 8

	// DefaultRetryMax is the default per-shard retry budget for transient
	// upstream failures.
	DefaultRetryMax = 5

	// DefaultBaseURL is the public Have I Been Pwned range API.
	DefaultBaseURL = "https://api.pwnedpasswords.com"
)

var (
	// ErrStall is returned when the inter-goroutine handshake times out.
	ErrStall = errors.New("downloader: stalled")

	// ErrPermanent is returned for upstream failures that retrying cannot
	// fix; it fails the whole run.
	ErrPermanent = errors.New("downloader: permanent upstream failure")
)

// Config parameterizes a build run. The zero value is not usable; callers
// go through the normalization in Run.
type Config struct {
	// Output is the database file to produce.
	Output string

	// NTLM selects the NTLM corpus (upstream ?mode=ntlm, 16-byte records)
	// instead of SHA-1.
	NTLM bool

	// ParallelMax caps concurrent in-flight shard fetches.
	ParallelMax int

	// StartPrefix and PrefixLimit bound the half-open shard range to fetch.
	// PrefixLimit 0 means the full space.
	StartPrefix int
	PrefixLimit int

	// Resume continues an interrupted run from the existing output file.
	Resume bool

	// Progress prints a live progress line to stderr.
	Progress bool

	// RetryMax is the per-shard retry budget.
	RetryMax int

	// BaseURL overrides the upstream API root, for tests.
	BaseURL string

	// UserAgent is sent with every upstream request.
	UserAgent string

	// Metrics receives pipeline instrumentation; nil disables it.
	Metrics *metrics.DownloadMetrics
}

// Kind returns the record layout this run produces.
func (c Config) Kind() record.Kind {
	if c.NTLM {
		return record.NTLM
	}
	return record.SHA1
}

// state is the handshake phase. Exactly one goroutine may mutate the
// queues and tasks in each state.
type state int

const (
	handleRequests state = iota // transport owns tasks
	processQueues               // writer owns both queues
)

// task is one shard fetch. A task is created by the writer when enqueued,
// mutated only by the transport until complete, then consumed by the
// writer. Tasks are heap-allocated and identified by their prefix; fetch
// results travel by prefix, never by pointers into the queue.
type task struct {
	prefix   int
	buffer   []byte
	complete bool
	err      error
	started  bool
}

type pipeline struct {
	cfg    Config
	client *rangeClient
	out    *flatfile.Writer

	mu   sync.Mutex
	cond *sync.Cond
	st   state
	stop bool

	queue []*task // download queue, ascending prefix order
	next  int     // next prefix to enqueue
	start int     // first prefix of this run, for progress accounting

	results chan fetchResult

	startTime      time.Time
	filesProcessed int
	bytesProcessed int64
}

// fetchResult carries a finished fetch back to the transport goroutine.
type fetchResult struct {
	prefix int
	body   []byte
	err    error
}

// Run executes a build. It returns after both goroutines have terminated;
// if either failed, both failures are reported.
func Run(ctx context.Context, cfg Config) error {
	if cfg.ParallelMax <= 0 {
		cfg.ParallelMax = DefaultParallelMax
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PrefixLimit <= 0 || cfg.PrefixLimit > PrefixSpace {
		cfg.PrefixLimit = PrefixSpace
	}

	start := cfg.StartPrefix
	var out *flatfile.Writer
	var err error
	if cfg.Resume {
		out, start, err = openResume(cfg)
	} else {
		out, err = flatfile.OpenWriter(cfg.Output, cfg.Kind(), false)
	}
	if err != nil {
		return err
	}

	if start >= cfg.PrefixLimit {
		logger.Info("nothing to download", "start", start, "limit", cfg.PrefixLimit)
		return out.Close()
	}

	p := &pipeline{
		cfg:       cfg,
		client:    newRangeClient(cfg),
		out:       out,
		next:      start,
		start:     start,
		results:   make(chan fetchResult, cfg.ParallelMax),
		startTime: time.Now(),
	}
	p.cond = sync.NewCond(&p.mu)

	// The transport is not running yet, so the queue can be filled without
	// the handshake.
	p.fillQueue()
	p.st = handleRequests

	var transportErr, writerErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		transportErr = p.transportLoop(ctx)
		p.signalStop()
	}()

	writerErr = p.writerLoop(ctx)
	p.signalStop()
	wg.Wait()

	if closeErr := out.Close(); closeErr != nil && writerErr == nil {
		writerErr = closeErr
	}

	// Both failure slots are inspected before composing; a transport
	// failure must not shadow a writer failure or vice versa.
	if transportErr != nil {
		logger.Error("transport goroutine failed", "error", transportErr)
	}
	if writerErr != nil {
		logger.Error("writer goroutine failed", "error", writerErr)
	}
	if transportErr != nil || writerErr != nil {
		return fmt.Errorf("download failed (rerun with --resume to continue): %w",
			errors.Join(transportErr, writerErr))
	}

	logger.Info("download complete",
		"shards", p.filesProcessed,
		"records", out.Count(),
		"bytes", p.bytesProcessed,
		"elapsed", time.Since(p.startTime).Round(time.Second).String(),
	)
	return nil
}

// signalStop wakes both goroutines and tells them to wind down.
func (p *pipeline) signalStop() {
	p.mu.Lock()
	p.stop = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// fillQueue tops the download queue up to ParallelMax in-flight shards.
// Caller must own the queues (processQueues state, or before start).
func (p *pipeline) fillQueue() {
	for len(p.queue) < p.cfg.ParallelMax && p.next < p.cfg.PrefixLimit {
		p.queue = append(p.queue, &task{prefix: p.next})
		p.next++
	}
}
