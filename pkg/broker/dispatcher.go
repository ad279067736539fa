// Package broker coordinates the cache, spend limiter, screening and the
// provider for each submitted request.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/pario-ai/gptbroker/pkg/budget"
	cachepkg "github.com/pario-ai/gptbroker/pkg/cache/sqlite"
	"github.com/pario-ai/gptbroker/pkg/models"
	"github.com/pario-ai/gptbroker/pkg/provider"
	"github.com/pario-ai/gptbroker/pkg/wire"
)

// Provider generates completions and embeddings.
type Provider interface {
	CompleteChat(ctx context.Context, model, system, prompt string, maxTokens uint32) (*provider.Completion, error)
	CompleteText(ctx context.Context, model, prompt string, maxTokens uint32) (*provider.Completion, error)
	Embed(ctx context.Context, model string, texts []string) (*provider.Embeddings, error)
}

// Screener flags unsafe text.
type Screener interface {
	Screen(ctx context.Context, text string) (bool, error)
}

// Cache stores results by request fingerprint.
type Cache interface {
	Get(ctx context.Context, fp models.Fingerprint) (models.Result, error)
	Put(ctx context.Context, fp models.Fingerprint, res models.Result) error
}

// Ledger records billed usage.
type Ledger interface {
	Record(ctx context.Context, rec models.UsageRecord) error
}

// Auditor receives one entry per exchange. Implementations must not block.
type Auditor interface {
	Enqueue(entry models.AuditEntry)
}

// Config holds the dispatcher's collaborators and settings. Provider,
// Limiter and Prices are required; everything else is optional.
type Config struct {
	Provider Provider
	Screener Screener
	Cache    Cache
	Limiter  *budget.Limiter
	Prices   *budget.PriceTable
	State    budget.StateStore
	Ledger   Ledger
	Auditor  Auditor
	Logger   zerolog.Logger

	TextModel      string
	EmbeddingModel string
	DedupeInFlight bool
}

// Dispatcher runs the request state machine. It holds no state of its own
// beyond references to its collaborators.
type Dispatcher struct {
	cfg   Config
	log   zerolog.Logger
	group singleflight.Group
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Provider == nil || cfg.Limiter == nil || cfg.Prices == nil {
		return nil, errors.New("broker: provider, limiter and prices are required")
	}
	if cfg.Screener == nil {
		cfg.Screener = provider.NoopScreener{}
	}
	return &Dispatcher{cfg: cfg, log: cfg.Logger}, nil
}

// outcome carries what a provider round trip produced.
type outcome struct {
	result models.Result
	model  string
	usage  models.Usage
	cost   float64
}

// Handle decodes payload, processes it and encodes the response envelope.
// It returns an error only when the response itself cannot be encoded.
func (d *Dispatcher) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := wire.DecodeRequest(payload)
	if err != nil {
		d.log.Warn().Err(err).Int("bytes", len(payload)).Msg("decode request")
		return wire.EncodeError(wire.CodeDecode, err.Error()), nil
	}

	res, err := d.Process(ctx, req)
	if err != nil {
		return wire.EncodeError(codeFor(err), err.Error()), nil
	}
	out, err := wire.EncodeResponse(res)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return out, nil
}

// Process answers req from the cache or the provider.
func (d *Dispatcher) Process(ctx context.Context, req models.Request) (res models.Result, err error) {
	start := time.Now()
	entry := models.AuditEntry{
		ExchangeID: uuid.NewString(),
		Kind:       req.Kind().String(),
		Model:      d.modelFor(req),
		PromptText: promptText(req),
		CreatedAt:  start,
	}
	defer func() {
		entry.LatencyMs = time.Since(start).Milliseconds()
		if err != nil {
			entry.Outcome = outcomeFor(err)
		} else {
			entry.Outcome = models.OutcomeOK
			entry.ResponseText = responseText(res)
		}
		d.audit(entry)
	}()

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	fp, err := wire.Fingerprint(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	entry.Fingerprint = fp.String()
	log := d.log.With().Str("fingerprint", entry.Fingerprint).Str("kind", entry.Kind).Logger()

	if cached, ok := d.lookup(ctx, fp, log); ok {
		entry.CacheHit = true
		log.Debug().Msg("cache hit")
		return cached, nil
	}

	var out *outcome
	if d.cfg.DedupeInFlight {
		// Do reports shared to the leader as well when others joined, so
		// leadership is tracked by whoever ran the function.
		leader := false
		v, ferr, _ := d.group.Do(entry.Fingerprint, func() (any, error) {
			leader = true
			return d.miss(ctx, fp, req, log)
		})
		if ferr != nil {
			return nil, ferr
		}
		out = v.(*outcome)
		if !leader {
			// Another caller paid for this result.
			entry.CacheHit = true
			return out.result, nil
		}
	} else {
		out, err = d.miss(ctx, fp, req, log)
		if err != nil {
			return nil, err
		}
	}

	entry.PromptTokens = out.usage.PromptTokens
	entry.CompletionTokens = out.usage.CompletionTokens
	entry.TotalTokens = out.usage.TotalTokens
	entry.Cost = out.cost
	return out.result, nil
}

// lookup consults the cache. Undecodable or unreadable entries are misses.
func (d *Dispatcher) lookup(ctx context.Context, fp models.Fingerprint, log zerolog.Logger) (models.Result, bool) {
	if d.cfg.Cache == nil {
		return nil, false
	}
	res, err := d.cfg.Cache.Get(ctx, fp)
	switch {
	case err == nil:
		return res, true
	case errors.Is(err, cachepkg.ErrNotFound):
	case errors.Is(err, cachepkg.ErrUndecodable):
		log.Warn().Err(err).Msg("stale cache entry, recomputing")
	default:
		log.Error().Err(err).Msg("cache read failed")
	}
	return nil, false
}

// miss runs the provider path: gate, screen, call, screen, debit, persist.
func (d *Dispatcher) miss(ctx context.Context, fp models.Fingerprint, req models.Request, log zerolog.Logger) (*outcome, error) {
	model := d.modelFor(req)
	pricing, err := d.cfg.Prices.Lookup(model)
	if err != nil {
		log.Error().Err(err).Msg("no price configured")
		return nil, err
	}

	if !d.cfg.Limiter.Allow() {
		return nil, ErrRateExceeded
	}

	for _, text := range screenInputs(req) {
		flagged, err := d.cfg.Screener.Screen(ctx, text)
		if err != nil {
			return nil, &ProviderError{Err: fmt.Errorf("screen prompt: %w", err)}
		}
		if flagged {
			return nil, unsafePrompt(req.Kind())
		}
	}

	out, err := d.call(ctx, req, model)
	if err != nil {
		return nil, err
	}

	if text, ok := outputText(out.result); ok {
		flagged, err := d.cfg.Screener.Screen(ctx, text)
		if err != nil {
			return nil, &ProviderError{Err: fmt.Errorf("screen result: %w", err)}
		}
		if flagged {
			return nil, fmt.Errorf("%w: %s", ErrUnsafeResult, req.Kind())
		}
	}

	out.cost = budget.Charge(d.cfg.Limiter, pricing, out.usage)
	d.afterDebit(ctx, fp, req, out, log)
	return out, nil
}

// call invokes the provider. The token limit sent is clamped; the result
// keeps the request as submitted.
func (d *Dispatcher) call(ctx context.Context, req models.Request, model string) (*outcome, error) {
	switch r := req.(type) {
	case models.ChatCompletionRequest:
		c, err := d.cfg.Provider.CompleteChat(ctx, model, r.SystemText, r.PromptText, models.ClampTokenLimit(r.CompletionTokenLimit))
		if err != nil {
			return nil, &ProviderError{Err: err}
		}
		if c.Text() == "" {
			return nil, fmt.Errorf("%w: %s", ErrEmptyResult, req.Kind())
		}
		return &outcome{result: models.ChatCompletionResult{Text: c.Text(), Request: r}, model: model, usage: c.Usage}, nil

	case models.TextCompletionRequest:
		c, err := d.cfg.Provider.CompleteText(ctx, model, r.PromptText, models.ClampTokenLimit(r.CompletionTokenLimit))
		if err != nil {
			return nil, &ProviderError{Err: err}
		}
		if c.Text() == "" {
			return nil, fmt.Errorf("%w: %s", ErrEmptyResult, req.Kind())
		}
		return &outcome{result: models.TextCompletionResult{Text: c.Text(), Request: r}, model: model, usage: c.Usage}, nil

	case models.EmbeddingRequest:
		e, err := d.cfg.Provider.Embed(ctx, model, r.Texts)
		if err != nil {
			return nil, &ProviderError{Err: err}
		}
		if len(e.Vectors) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptyResult, req.Kind())
		}
		return &outcome{result: models.EmbeddingResult{Vectors: e.Vectors, Request: r}, model: model, usage: e.Usage}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported request %T", ErrDecode, req)
	}
}

// afterDebit persists limiter state, records usage and caches the result.
// Failures are logged; the caller still gets the result.
func (d *Dispatcher) afterDebit(ctx context.Context, fp models.Fingerprint, req models.Request, out *outcome, log zerolog.Logger) {
	if d.cfg.State != nil {
		if err := d.cfg.Limiter.Persist(ctx, d.cfg.State); err != nil {
			log.Warn().Err(err).Msg("persist limiter state")
		}
	}

	if d.cfg.Ledger != nil {
		rec := models.UsageRecord{
			Fingerprint:      fp.String(),
			Kind:             req.Kind().String(),
			Model:            out.model,
			PromptTokens:     out.usage.PromptTokens,
			CompletionTokens: out.usage.CompletionTokens,
			TotalTokens:      out.usage.TotalTokens,
			Cost:             out.cost,
			CreatedAt:        time.Now().UTC(),
		}
		if err := d.cfg.Ledger.Record(ctx, rec); err != nil {
			log.Warn().Err(err).Msg("record usage")
		}
	}

	if d.cfg.Cache != nil {
		if err := d.cfg.Cache.Put(ctx, fp, out.result); err != nil {
			log.Warn().Err(err).Msg("cache write failed")
		}
	}

	log.Info().
		Str("model", out.model).
		Int("tokens", out.usage.TotalTokens).
		Float64("cost", out.cost).
		Float64("remaining", d.cfg.Limiter.Snapshot().Remaining).
		Msg("provider call")
}

func (d *Dispatcher) audit(e models.AuditEntry) {
	if d.cfg.Auditor != nil {
		d.cfg.Auditor.Enqueue(e)
	}
}

// modelFor resolves the provider model for req.
func (d *Dispatcher) modelFor(req models.Request) string {
	switch r := req.(type) {
	case models.ChatCompletionRequest:
		return r.ModelName
	case models.TextCompletionRequest:
		return d.cfg.TextModel
	case models.EmbeddingRequest:
		return d.cfg.EmbeddingModel
	default:
		return ""
	}
}

// screenInputs lists the texts screened before the provider is called.
func screenInputs(req models.Request) []string {
	switch r := req.(type) {
	case models.ChatCompletionRequest:
		if r.SystemText == "" {
			return []string{r.PromptText}
		}
		return []string{r.SystemText + "\n" + r.PromptText}
	case models.TextCompletionRequest:
		return []string{r.PromptText}
	case models.EmbeddingRequest:
		return r.Texts
	default:
		return nil
	}
}

// outputText returns generated text to screen. Embedding vectors are not screened.
func outputText(res models.Result) (string, bool) {
	switch r := res.(type) {
	case models.ChatCompletionResult:
		return r.Text, true
	case models.TextCompletionResult:
		return r.Text, true
	default:
		return "", false
	}
}

func promptText(req models.Request) string {
	switch r := req.(type) {
	case models.ChatCompletionRequest:
		if r.SystemText == "" {
			return r.PromptText
		}
		return r.SystemText + "\n" + r.PromptText
	case models.TextCompletionRequest:
		return r.PromptText
	case models.EmbeddingRequest:
		return strings.Join(r.Texts, "\n")
	default:
		return ""
	}
}

func responseText(res models.Result) string {
	if text, ok := outputText(res); ok {
		return text
	}
	if r, ok := res.(models.EmbeddingResult); ok {
		return fmt.Sprintf("%d vectors", len(r.Vectors))
	}
	return ""
}
