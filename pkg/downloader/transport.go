package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/breachline/breachdb/pkg/metrics"
)

// rangeClient fetches one upstream shard per call, with retry and backoff
// handled by retryablehttp: transient failures (5xx, 429, connection
// errors) back off exponentially up to the retry budget, while other 4xx
// responses surface immediately as permanent failures.
type rangeClient struct {
	client    *retryablehttp.Client
	baseURL   string
	userAgent string
	ntlm      bool
}

func newRangeClient(cfg Config) *rangeClient {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = cleanhttp.DefaultPooledClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 30 * time.Second
	rc.Logger = nil
	rc.RequestLogHook = func(_ retryablehttp.Logger, _ *http.Request, attempt int) {
		if attempt > 0 {
			observeRetry(cfg.Metrics)
		}
	}

	return &rangeClient{
		client:    rc,
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		ntlm:      cfg.NTLM,
	}
}

func observeRetry(m *metrics.DownloadMetrics) { m.ObserveRetry() }

// fetch downloads the shard body for a prefix.
func (c *rangeClient) fetch(ctx context.Context, prefix int) ([]byte, error) {
	url := fmt.Sprintf("%s/range/%05X", c.baseURL, prefix)
	if c.ntlm {
		url += "?mode=ntlm"
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %05X: %w", prefix, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %05X: %w", prefix, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// retryablehttp has already retried everything transient; whatever
		// status arrives here cannot be fixed by trying again.
		return nil, fmt.Errorf("%w: %05X returned %s", ErrPermanent, prefix, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %05X body: %w", prefix, err)
	}
	return body, nil
}

// transportLoop drives shard fetches. In each handleRequests window it
// starts fetches for every queued task that has none in flight, waits up to
// one second for a result, applies everything that has arrived to the
// tasks, and flips the handshake back to the writer.
//
// The HTTP goroutines themselves never touch tasks or queues; they report
// through the results channel keyed by prefix, and only this goroutine
// applies results, only while it owns the tasks.
func (p *pipeline) transportLoop(ctx context.Context) error {
	inFlight := 0

	for {
		p.mu.Lock()
		for p.st != handleRequests && !p.stop {
			p.cond.Wait()
		}
		if p.stop || len(p.queue) == 0 {
			p.mu.Unlock()
			return p.drainInFlight(ctx, inFlight)
		}

		for _, t := range p.queue {
			if t.started {
				continue
			}
			t.started = true
			inFlight++
			go func(prefix int) {
				body, err := p.client.fetch(ctx, prefix)
				p.results <- fetchResult{prefix: prefix, body: body, err: err}
			}(t.prefix)
		}
		p.mu.Unlock()

		// Block for one completion, then drain whatever else is ready so a
		// single handshake round applies as much as possible. The yield
		// ticker keeps the handshake turning while long retries back off,
		// so the writer's stall detector only fires on a truly wedged
		// transport.
		var batch []fetchResult
		select {
		case r := <-p.results:
			batch = append(batch, r)
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	drain:
		for {
			select {
			case r := <-p.results:
				batch = append(batch, r)
			default:
				break drain
			}
		}
		inFlight -= len(batch)

		p.mu.Lock()
		var failed error
		for _, r := range batch {
			for _, t := range p.queue {
				if t.prefix != r.prefix {
					continue
				}
				t.complete = true
				t.buffer = r.body
				t.err = r.err
				if r.err != nil && failed == nil {
					failed = r.err
				}
				break
			}
		}
		p.st = processQueues
		p.cond.Broadcast()
		p.mu.Unlock()

		if failed != nil {
			_ = p.drainInFlight(ctx, inFlight)
			return failed
		}
	}
}

// drainInFlight waits out any fetches still running so their goroutines do
// not leak into a finished run, then reports the first error it saw.
func (p *pipeline) drainInFlight(ctx context.Context, inFlight int) error {
	var firstErr error
	for ; inFlight > 0; inFlight-- {
		select {
		case r := <-p.results:
			if r.err != nil && firstErr == nil {
				firstErr = r.err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return firstErr
}
