package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parley/internal/crypto"
	"parley/internal/metrics"
	"parley/internal/providers"
	"parley/internal/providers/registry"
	"parley/internal/storage"
	"parley/internal/stream"
)

var (
	// ErrBusy is returned when a conversation already has a response in
	// flight. Callers wait for the terminal event before sending again.
	ErrBusy = errors.New("conversation already has a response in flight")

	ErrEmptyMessage = errors.New("message text is empty")
	ErrNoModel      = errors.New("conversation has no model selected")
	ErrClosed       = errors.New("orchestrator is closed")
)

const defaultContextMessages = 20

type Config struct {
	Store      *storage.Store
	Keyring    *crypto.Keyring
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Orchestrator owns the send lifecycle: it persists both sides of an
// exchange, builds the outbound context window and drives the streaming
// call. All turn writes go through one background worker so that content
// updates for a turn are applied in order.
type Orchestrator struct {
	store      *storage.Store
	keyring    *crypto.Keyring
	httpClient *http.Client
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu       sync.Mutex
	closing  bool
	inflight map[string]*stream.Client

	streams sync.WaitGroup
	jobs    chan func(context.Context)
	wg      sync.WaitGroup
}

func New(cfg Config) *Orchestrator {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	o := &Orchestrator{
		store:      cfg.Store,
		keyring:    cfg.Keyring,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		inflight:   make(map[string]*stream.Client),
		jobs:       make(chan func(context.Context), 64),
	}
	o.wg.Add(1)
	go o.worker()
	return o
}

// Close cancels in-flight streams, waits for them to settle and then drains
// the persistence worker. Pending turn writes, including the cancellation
// markers of interrupted streams, are applied before Close returns. Sends
// after Close fail with ErrClosed.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closing = true
	clients := make([]*stream.Client, 0, len(o.inflight))
	for _, c := range o.inflight {
		if c != nil {
			clients = append(clients, c)
		}
	}
	o.mu.Unlock()

	for _, c := range clients {
		c.Cancel()
	}
	// The jobs channel stays open until every consume goroutine has
	// finished; closing it earlier would panic their turn writes.
	o.streams.Wait()
	close(o.jobs)
	o.wg.Wait()
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for job := range o.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		job(ctx)
		cancel()
	}
}

func (o *Orchestrator) enqueue(job func(context.Context)) {
	o.jobs <- job
}

// CreateConversation fills ids, timestamps and defaults and persists the
// conversation.
func (o *Orchestrator) CreateConversation(ctx context.Context, c storage.Conversation) (storage.Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Name == "" {
		c.Name = "New conversation"
	}
	if c.MaxContextMessages <= 0 {
		c.MaxContextMessages = defaultContextMessages
	}
	now := o.now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := o.store.CreateConversation(ctx, c); err != nil {
		return storage.Conversation{}, err
	}
	return c, nil
}

// Send validates the message, persists the user turn and an assistant
// placeholder, then starts the completion call. The returned channel mirrors
// the stream client's events and must be drained until it closes; content is
// persisted incrementally as chunks arrive, so a failed or cancelled send
// keeps its partial text.
//
// displayText is what the user typed and what gets stored; apiText is what
// goes on the wire as the final message of the context window. They differ
// when the caller wraps the input in a template.
func (o *Orchestrator) Send(ctx context.Context, conversationID, displayText, apiText, overrideSystemPrompt string) (<-chan stream.Event, error) {
	if strings.TrimSpace(displayText) == "" {
		return nil, ErrEmptyMessage
	}
	if apiText == "" {
		apiText = displayText
	}

	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(conv.Model) == "" {
		return nil, ErrNoModel
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := o.inflight[conversationID]; ok {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	// Reserve the slot before any storage work so a concurrent Send fails
	// fast instead of racing on the placeholder turn. The streams counter
	// covers the whole send, from here until its consume goroutine exits,
	// so Close never closes the jobs channel under a live send.
	o.inflight[conversationID] = nil
	o.streams.Add(1)
	o.mu.Unlock()

	events, err := o.start(ctx, conv, displayText, apiText, overrideSystemPrompt)
	if err != nil {
		o.release(conversationID)
		o.streams.Done()
		return nil, err
	}
	return events, nil
}

func (o *Orchestrator) start(ctx context.Context, conv storage.Conversation, displayText, apiText, overrideSystemPrompt string) (<-chan stream.Event, error) {
	generating, err := o.store.HasGeneratingTurn(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if generating {
		return nil, ErrBusy
	}

	profile, err := o.profileFor(ctx, conv.ProviderKey)
	if err != nil {
		return nil, err
	}
	// Configuration problems fail before any turn is persisted.
	if !profile.Configured() {
		return nil, providers.ErrNotConfigured
	}
	adapter := registry.Resolve(profile.Key)

	// The window is read before the user turn is inserted; apiText is
	// appended explicitly so it is never duplicated from storage.
	window, err := o.buildWindow(ctx, conv, overrideSystemPrompt, apiText)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	userTurn := storage.Turn{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           "user",
		Content:        displayText,
		ProviderKey:    conv.ProviderKey,
		Model:          conv.Model,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.InsertTurn(ctx, userTurn); err != nil {
		return nil, fmt.Errorf("persist user turn: %w", err)
	}
	if err := o.store.TouchConversation(ctx, conv.ID, now); err != nil {
		o.logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("touch conversation failed")
	}

	// A strictly later timestamp keeps the placeholder ordered after the
	// user turn even on storage backends with coarse clocks.
	placeholderAt := o.now().UTC()
	if !placeholderAt.After(now) {
		placeholderAt = now.Add(time.Millisecond)
	}
	assistantTurn := storage.Turn{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           "assistant",
		Generating:     true,
		ProviderKey:    conv.ProviderKey,
		Model:          conv.Model,
		CreatedAt:      placeholderAt,
		UpdatedAt:      placeholderAt,
	}
	if err := o.store.InsertTurn(ctx, assistantTurn); err != nil {
		return nil, fmt.Errorf("persist assistant placeholder: %w", err)
	}

	params := providers.Params{
		Temperature: conv.Temperature,
		TopP:        conv.TopP,
		MaxTokens:   conv.MaxTokens,
		Stream:      conv.Stream,
	}

	client := stream.New(stream.Config{
		HTTPClient: o.httpClient,
		Logger:     o.logger,
		Metrics:    o.metrics,
	})
	events, err := client.Start(ctx, adapter, profile, conv.Model, window, params)
	if err != nil {
		o.failTurn(assistantTurn.ID, "", err)
		return nil, err
	}

	o.mu.Lock()
	o.inflight[conv.ID] = client
	closing := o.closing
	o.mu.Unlock()
	// Close may have started after the slot was reserved and missed this
	// client; cancel it ourselves so shutdown does not wait out the stream.
	if closing {
		client.Cancel()
	}

	o.metrics.SendsStarted.Inc()
	out := make(chan stream.Event, 16)
	go o.consume(conv.ID, assistantTurn.ID, events, out)
	return out, nil
}

// Cancel aborts the in-flight send for a conversation. Cancelling a
// conversation with nothing in flight is a no-op.
func (o *Orchestrator) Cancel(conversationID string) {
	o.mu.Lock()
	client := o.inflight[conversationID]
	o.mu.Unlock()
	if client != nil {
		client.Cancel()
	}
}

// Busy reports whether a send is in flight for the conversation.
func (o *Orchestrator) Busy(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[conversationID]
	return ok
}

func (o *Orchestrator) consume(conversationID, turnID string, events <-chan stream.Event, out chan<- stream.Event) {
	defer o.streams.Done()
	defer close(out)
	started := o.now()

	var text strings.Builder
	for ev := range events {
		switch ev.Kind {
		case stream.EventChunk:
			text.WriteString(ev.Chunk)
			snapshot := text.String()
			o.enqueue(func(ctx context.Context) {
				if err := o.store.UpdateTurnContent(ctx, turnID, snapshot, o.now().UTC()); err != nil {
					o.logger.Error().Err(err).Str("turn_id", turnID).Msg("update turn content failed")
				}
			})
		case stream.EventCompleted:
			o.finalizeTurn(turnID, ev)
			o.metrics.SendsCompleted.Inc()
		case stream.EventFailed:
			o.failTurn(turnID, ev.Text, ev.Err)
			o.metrics.SendsFailed.Inc()
		case stream.EventCancelled:
			o.cancelTurn(turnID, ev.Text)
			o.metrics.SendsCancelled.Inc()
		}
		out <- ev
	}

	o.enqueue(func(ctx context.Context) {
		if err := o.store.TouchConversation(ctx, conversationID, o.now().UTC()); err != nil {
			o.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("touch conversation failed")
		}
	})
	o.metrics.SendDuration.Observe(o.now().Sub(started).Seconds())
	o.release(conversationID)
}

func (o *Orchestrator) finalizeTurn(turnID string, ev stream.Event) {
	var prompt, completion, total *int
	if ev.Usage != nil {
		prompt, completion, total = &ev.Usage.PromptTokens, &ev.Usage.CompletionTokens, &ev.Usage.TotalTokens
	}
	o.enqueue(func(ctx context.Context) {
		if err := o.store.FinalizeTurn(ctx, turnID, ev.Text, ev.FinishReason, prompt, completion, total, o.now().UTC()); err != nil {
			o.logger.Error().Err(err).Str("turn_id", turnID).Msg("finalize turn failed")
		}
	})
}

func (o *Orchestrator) failTurn(turnID, partial string, cause error) {
	errText := "request failed"
	if cause != nil {
		errText = cause.Error()
	}
	errCode := errorCode(cause)
	o.enqueue(func(ctx context.Context) {
		if err := o.store.FailTurn(ctx, turnID, partial, errText, errCode, o.now().UTC()); err != nil {
			o.logger.Error().Err(err).Str("turn_id", turnID).Msg("fail turn failed")
		}
	})
}

func (o *Orchestrator) cancelTurn(turnID, partial string) {
	o.enqueue(func(ctx context.Context) {
		if err := o.store.FailTurn(ctx, turnID, partial, "cancelled", "cancelled", o.now().UTC()); err != nil {
			o.logger.Error().Err(err).Str("turn_id", turnID).Msg("cancel turn failed")
		}
	})
}

func (o *Orchestrator) release(conversationID string) {
	o.mu.Lock()
	delete(o.inflight, conversationID)
	o.mu.Unlock()
}

// buildWindow assembles the outbound messages: optional system prompt, the
// most recent clean exchange history oldest first, then the current message.
// Turns that errored out are excluded so a failed reply never poisons later
// context.
func (o *Orchestrator) buildWindow(ctx context.Context, conv storage.Conversation, overrideSystemPrompt, apiText string) ([]providers.Message, error) {
	limit := conv.MaxContextMessages
	if limit <= 0 {
		limit = defaultContextMessages
	}

	recent, err := o.store.RecentContextTurns(ctx, conv.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("load context window: %w", err)
	}

	msgs := make([]providers.Message, 0, len(recent)+2)
	systemPrompt := conv.SystemPrompt
	if strings.TrimSpace(overrideSystemPrompt) != "" {
		systemPrompt = overrideSystemPrompt
	}
	if strings.TrimSpace(systemPrompt) != "" {
		msgs = append(msgs, providers.Message{Role: "system", Content: systemPrompt})
	}

	// RecentContextTurns is newest first; walk backwards to restore order.
	for i := len(recent) - 1; i >= 0; i-- {
		msgs = append(msgs, providers.Message{Role: recent[i].Role, Content: recent[i].Content})
	}

	msgs = append(msgs, providers.Message{Role: "user", Content: apiText})
	return msgs, nil
}

// profileFor loads the stored connection record for a provider key and
// decrypts its credential. A missing record yields a bare profile with the
// family defaults, which is enough for local backends and fails the
// configuration check for everything else.
func (o *Orchestrator) profileFor(ctx context.Context, providerKey string) (providers.Profile, error) {
	key := providers.ParseKey(providerKey)

	rec, err := o.store.GetProviderProfile(ctx, providerKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return providers.Profile{Key: key}, nil
		}
		return providers.Profile{}, fmt.Errorf("load provider profile: %w", err)
	}

	profile := providers.Profile{
		Key:             key,
		BaseURL:         rec.BaseURL,
		PathOverride:    rec.PathOverride,
		Mode:            providers.Mode(rec.Mode),
		AzureEndpoint:   rec.AzureEndpoint,
		AzureDeployment: rec.AzureDeployment,
		AzureAPIVersion: rec.AzureAPIVersion,
		Local:           rec.Local,
	}
	if profile.Mode == "" {
		profile.Mode = providers.ModeChat
	}
	if rec.EncAPIKey != nil && *rec.EncAPIKey != "" {
		apiKey, err := o.keyring.Open(*rec.EncAPIKey)
		if err != nil {
			return providers.Profile{}, fmt.Errorf("decrypt credential for %s: %w", providerKey, err)
		}
		profile.APIKey = apiKey
	}
	return profile, nil
}

func errorCode(err error) string {
	var httpErr *providers.HTTPError
	switch {
	case err == nil:
		return "unknown"
	case errors.As(err, &httpErr):
		return fmt.Sprintf("http_%d", httpErr.Status)
	case errors.Is(err, providers.ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "request_failed"
	}
}
