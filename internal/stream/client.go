package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"parley/internal/metrics"
	"parley/internal/providers"
)

// State is the lifecycle of one completion call. Terminal states are final.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

type EventKind int

const (
	EventStarted EventKind = iota
	EventChunk
	EventCompleted
	EventFailed
	EventCancelled
)

// Event is one entry of the ordered result stream: Started at most once,
// Chunk zero or more times, then exactly one of Completed/Failed/Cancelled.
// Terminal events carry the accumulated text and the last observed finish
// reason and usage, which may have arrived on separate chunks.
type Event struct {
	Kind         EventKind
	Chunk        string
	Text         string
	FinishReason string
	Usage        *providers.Usage
	Err          error
}

type Config struct {
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

// Client drives exactly one in-flight completion call. Calling Start twice
// on the same instance is a programming error; the orchestrator creates one
// client per send.
type Client struct {
	httpClient *http.Client
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	cancelled bool
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &Client{
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		state:      StateIdle,
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start builds the provider request and begins the call. The returned
// channel delivers events in order and is closed after the terminal event.
// A profile that is not configured fails before any network activity.
func (c *Client) Start(ctx context.Context, adapter providers.Adapter, profile providers.Profile, model string, msgs []providers.Message, params providers.Params) (<-chan Event, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, fmt.Errorf("completion client already started")
	}
	if !profile.Configured() {
		c.state = StateFailed
		c.mu.Unlock()
		return nil, providers.ErrNotConfigured
	}

	req, err := adapter.CompletionRequest(profile, model, msgs, params)
	if err != nil {
		c.state = StateFailed
		c.mu.Unlock()
		return nil, fmt.Errorf("build completion request: %w", err)
	}

	callCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateRequesting
	c.mu.Unlock()

	events := make(chan Event, 16)
	go c.run(callCtx, adapter, req, params.Stream, events)
	return events, nil
}

// Cancel aborts the underlying network call. Cancelling an already-terminal
// call is a no-op.
func (c *Client) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return
	}
	c.cancelled = true
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Client) run(ctx context.Context, adapter providers.Adapter, req providers.Request, streaming bool, events chan<- Event) {
	defer close(events)

	acc := &accumulator{}
	events <- Event{Kind: EventStarted}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		c.finish(events, acc, fmt.Errorf("build request: %w", err))
		return
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.finish(events, acc, fmt.Errorf("request failed: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		c.finish(events, acc, &providers.HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))})
		return
	}

	if !streaming {
		c.runBuffered(adapter, resp.Body, events, acc)
		return
	}
	c.runStream(adapter, resp.Body, events, acc)
}

func (c *Client) runBuffered(adapter providers.Adapter, body io.Reader, events chan<- Event, acc *accumulator) {
	raw, err := io.ReadAll(io.LimitReader(body, 16<<20))
	if err != nil {
		c.finish(events, acc, fmt.Errorf("read response body: %w", err))
		return
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		c.finish(events, acc, fmt.Errorf("empty response body"))
		return
	}

	comp, err := adapter.ParseCompletion(raw)
	if err != nil {
		c.finish(events, acc, err)
		return
	}

	c.setState(StateStreaming)
	acc.text.WriteString(comp.Text)
	acc.finishReason = comp.FinishReason
	acc.usage = comp.Usage
	if !c.emit(events, Event{Kind: EventChunk, Chunk: comp.Text}) {
		c.finish(events, acc, nil)
		return
	}
	c.finish(events, acc, nil)
}

func (c *Client) runStream(adapter providers.Adapter, body io.Reader, events chan<- Event, acc *accumulator) {
	c.setState(StateStreaming)
	dec := newDecoder(body)
	sawPayload := false

	for {
		payload, err := dec.Next()
		if err == io.EOF {
			// Some providers close the connection without sending [DONE].
			if !sawPayload {
				c.finish(events, acc, fmt.Errorf("empty response body"))
				return
			}
			c.finish(events, acc, nil)
			return
		}
		if err != nil {
			c.finish(events, acc, fmt.Errorf("read stream: %w", err))
			return
		}
		sawPayload = true

		if bytes.Equal(bytes.TrimSpace(payload), []byte("[DONE]")) {
			c.finish(events, acc, nil)
			return
		}

		chunk, err := adapter.ParseChunk(payload)
		if err != nil {
			// One malformed line never aborts the stream.
			c.metrics.MalformedSkipped.Inc()
			c.logger.Debug().Err(err).Msg("skipping malformed stream line")
			continue
		}
		if chunk.FinishReason != "" {
			acc.finishReason = chunk.FinishReason
		}
		if chunk.Usage != nil {
			acc.usage = chunk.Usage
		}
		if chunk.Delta == "" {
			continue
		}
		acc.text.WriteString(chunk.Delta)
		if !c.emit(events, Event{Kind: EventChunk, Chunk: chunk.Delta}) {
			c.finish(events, acc, nil)
			return
		}
	}
}

// emit delivers a chunk event unless cancellation was requested; it reports
// whether delivery happened.
func (c *Client) emit(events chan<- Event, ev Event) bool {
	c.mu.Lock()
	cancelled := c.cancelled
	c.mu.Unlock()
	if cancelled {
		return false
	}
	c.metrics.ChunksReceived.Inc()
	events <- ev
	return true
}

// finish emits exactly one terminal event. Cancellation wins over any error
// observed after it was requested, so an aborted read surfaces as Cancelled
// rather than a transport failure.
func (c *Client) finish(events chan<- Event, acc *accumulator, err error) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	cancelled := c.cancelled
	switch {
	case cancelled:
		c.state = StateCancelled
	case err != nil:
		c.state = StateFailed
	default:
		c.state = StateCompleted
	}
	c.mu.Unlock()

	ev := Event{
		Text:         acc.text.String(),
		FinishReason: acc.finishReason,
		Usage:        acc.usage,
	}
	switch {
	case cancelled:
		ev.Kind = EventCancelled
		ev.Err = context.Canceled
	case err != nil:
		ev.Kind = EventFailed
		ev.Err = err
	default:
		ev.Kind = EventCompleted
	}
	events <- ev
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if !c.state.Terminal() {
		c.state = s
	}
	c.mu.Unlock()
}

type accumulator struct {
	text         strings.Builder
	finishReason string
	usage        *providers.Usage
}
