package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// errStopped is the writer's internal signal that the transport asked the
// pipeline to wind down; the transport's own error carries the cause.
var errStopped = errors.New("downloader: stopped")

// writerLoop services the queues: each round it waits for the transport to
// yield, moves completed head tasks to a local process queue, refills the
// download queue, hands control back, and only then does the slow
// text-to-binary conversion and disk append outside the lock.
func (p *pipeline) writerLoop(ctx context.Context) error {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.cond.Broadcast()
			p.mu.Unlock()
			break
		}

		if err := p.waitProcessQueues(); err != nil {
			p.mu.Unlock()
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}

		process, err := p.shuffleQueues()

		p.st = handleRequests
		p.cond.Broadcast()
		p.mu.Unlock()

		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		for _, t := range process {
			if err := p.writeShard(t); err != nil {
				return err
			}
		}
	}

	p.finishProgress()
	return p.out.Flush()
}

// waitProcessQueues blocks until the transport yields the queues. Caller
// holds p.mu. A wait longer than stallTimeout is treated as a wedged
// transport and aborts the run.
func (p *pipeline) waitProcessQueues() error {
	deadline := time.Now().Add(stallTimeout)
	timer := time.AfterFunc(stallTimeout, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer timer.Stop()

	for p.st != processQueues {
		if p.stop {
			return errStopped
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: waited %s for the transport to yield",
				ErrStall, stallTimeout)
		}
		p.cond.Wait()
	}
	return nil
}

// shuffleQueues pops completed tasks from the front of the download queue
// and refills it. Tasks must leave the queue strictly in prefix order; an
// incomplete head stops the sweep so the on-disk order stays monotonic.
// Caller holds p.mu in the processQueues state.
func (p *pipeline) shuffleQueues() ([]*task, error) {
	var process []*task
	for len(p.queue) > 0 {
		front := p.queue[0]
		if !front.complete {
			break
		}
		if front.err != nil {
			return nil, front.err
		}
		process = append(process, front)
		p.queue[0] = nil
		p.queue = p.queue[1:]
	}
	p.fillQueue()
	return process, nil
}

// writeShard converts one fetched shard to binary records and appends them.
func (p *pipeline) writeShard(t *task) error {
	prefix := fmt.Sprintf("%05X", t.prefix)
	kind := p.cfg.Kind()
	rec := make([]byte, kind.Width())

	records := 0
	body := string(t.buffer)
	for len(body) > 0 {
		line := body
		if i := strings.IndexByte(body, '\n'); i >= 0 {
			line, body = body[:i], body[i+1:]
		} else {
			body = ""
		}
		if line == "" || line == "\r" {
			continue
		}
		if err := kind.ParseLine(rec, prefix, line); err != nil {
			return fmt.Errorf("shard %s: %w", prefix, err)
		}
		if err := p.out.Append(rec); err != nil {
			return fmt.Errorf("shard %s: %w", prefix, err)
		}
		records++
	}

	p.cfg.Metrics.ObserveShard(len(t.buffer), records)
	p.filesProcessed++
	p.bytesProcessed += int64(len(t.buffer))
	p.printProgress()
	return nil
}

// printProgress writes the live progress line. It goes straight to stderr,
// bypassing the logger, so the carriage-return trick works.
func (p *pipeline) printProgress() {
	if !p.cfg.Progress {
		return
	}
	elapsed := time.Since(p.startTime).Seconds()
	todo := p.cfg.PrefixLimit - p.start
	fmt.Fprintf(os.Stderr, "Elapsed: %s  Progress: %d / %d shards  %.1f MB/s  %5.1f%%\r",
		time.Since(p.startTime).Round(time.Second),
		p.filesProcessed, todo,
		float64(p.bytesProcessed)/(1<<20)/elapsed,
		100*float64(p.filesProcessed)/float64(todo),
	)
}

func (p *pipeline) finishProgress() {
	if p.cfg.Progress {
		fmt.Fprintln(os.Stderr)
	}
}
