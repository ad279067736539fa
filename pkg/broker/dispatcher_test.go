package broker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/gptbroker/pkg/budget"
	cachepkg "github.com/pario-ai/gptbroker/pkg/cache/sqlite"
	"github.com/pario-ai/gptbroker/pkg/models"
	"github.com/pario-ai/gptbroker/pkg/provider"
	"github.com/pario-ai/gptbroker/pkg/wire"
)

type stubProvider struct {
	mu        sync.Mutex
	calls     atomic.Int64
	text      string
	err       error
	usage     models.Usage
	lastLimit atomic.Uint32
	gate      chan struct{}
}

func (p *stubProvider) complete(limit uint32) (*provider.Completion, error) {
	p.calls.Add(1)
	p.lastLimit.Store(limit)
	if p.gate != nil {
		<-p.gate
	}
	if err := p.failure(); err != nil {
		return nil, err
	}
	c := &provider.Completion{Usage: p.usage}
	if p.text != "" {
		c.Choices = []string{p.text}
	}
	return c, nil
}

func (p *stubProvider) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *stubProvider) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *stubProvider) CompleteChat(_ context.Context, _, _, _ string, limit uint32) (*provider.Completion, error) {
	return p.complete(limit)
}

func (p *stubProvider) CompleteText(_ context.Context, _, _ string, limit uint32) (*provider.Completion, error) {
	return p.complete(limit)
}

func (p *stubProvider) Embed(_ context.Context, _ string, texts []string) (*provider.Embeddings, error) {
	p.calls.Add(1)
	if err := p.failure(); err != nil {
		return nil, err
	}
	out := &provider.Embeddings{Usage: p.usage}
	for i := range texts {
		out.Vectors = append(out.Vectors, []float32{float32(i), 0.5})
	}
	return out, nil
}

// substringScreener flags any text containing "UNSAFE".
type substringScreener struct {
	calls atomic.Int64
}

func (s *substringScreener) Screen(_ context.Context, text string) (bool, error) {
	s.calls.Add(1)
	return strings.Contains(text, "UNSAFE"), nil
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func (a *recordingAuditor) Enqueue(e models.AuditEntry) {
	a.mu.Lock()
	a.entries = append(a.entries, e)
	a.mu.Unlock()
}

func (a *recordingAuditor) all() []models.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.AuditEntry(nil), a.entries...)
}

type memLedger struct {
	mu      sync.Mutex
	records []models.UsageRecord
	state   *models.LimiterState
}

func (l *memLedger) Record(_ context.Context, rec models.UsageRecord) error {
	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()
	return nil
}

func (l *memLedger) LoadLimiterState(context.Context) (models.LimiterState, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == nil {
		return models.LimiterState{}, false, nil
	}
	return *l.state, true, nil
}

func (l *memLedger) SaveLimiterState(_ context.Context, s models.LimiterState) error {
	l.mu.Lock()
	l.state = &s
	l.mu.Unlock()
	return nil
}

type staleCache struct {
	puts atomic.Int64
}

func (c *staleCache) Get(_ context.Context, fp models.Fingerprint) (models.Result, error) {
	return nil, fmt.Errorf("%w: %s", cachepkg.ErrUndecodable, fp)
}

func (c *staleCache) Put(context.Context, models.Fingerprint, models.Result) error {
	c.puts.Add(1)
	return nil
}

type failingCache struct{}

func (failingCache) Get(context.Context, models.Fingerprint) (models.Result, error) {
	return nil, cachepkg.ErrNotFound
}

func (failingCache) Put(context.Context, models.Fingerprint, models.Result) error {
	return errors.New("disk full")
}

type fixture struct {
	d       *Dispatcher
	prov    *stubProvider
	screen  *substringScreener
	cache   *cachepkg.Cache
	limiter *budget.Limiter
	ledger  *memLedger
	auditor *recordingAuditor
}

func newFixture(t *testing.T, ceiling float64, mutate ...func(*Config)) *fixture {
	t.Helper()
	c, err := cachepkg.New(filepath.Join(t.TempDir(), "cache.db"), cachepkg.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	f := &fixture{
		prov:    &stubProvider{text: "generated", usage: models.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150}},
		screen:  &substringScreener{},
		cache:   c,
		limiter: budget.NewLimiter(ceiling, time.Hour),
		ledger:  &memLedger{},
		auditor: &recordingAuditor{},
	}
	cfg := Config{
		Provider: f.prov,
		Screener: f.screen,
		Cache:    c,
		Limiter:  f.limiter,
		Prices: budget.NewPriceTable([]models.ModelPricing{
			{Model: "text-davinci-003", PromptCost: 0.02},
			{Model: "text-embedding-ada-002", PromptCost: 0.0004},
			{Model: "gpt-4", PromptCost: 0.03, CompletionCost: 0.06},
		}),
		State:          f.ledger,
		Ledger:         f.ledger,
		Auditor:        f.auditor,
		Logger:         zerolog.Nop(),
		TextModel:      "text-davinci-003",
		EmbeddingModel: "text-embedding-ada-002",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	f.d, err = New(cfg)
	require.NoError(t, err)
	return f
}

func chatReq(prompt string) models.ChatCompletionRequest {
	return models.ChatCompletionRequest{ModelName: "gpt-4", SystemText: "be brief", PromptText: prompt, CompletionTokenLimit: 64}
}

func TestCacheMissThenHit(t *testing.T) {
	f := newFixture(t, 25)
	ctx := context.Background()
	payload, err := wire.EncodeRequest(chatReq("hello"))
	require.NoError(t, err)

	first, err := f.d.Handle(ctx, payload)
	require.NoError(t, err)
	remainingAfterFirst := f.limiter.Snapshot().Remaining

	second, err := f.d.Handle(ctx, payload)
	require.NoError(t, err)

	assert.Equal(t, first, second, "cached response must be byte-identical")
	assert.Equal(t, int64(1), f.prov.calls.Load())
	assert.Equal(t, remainingAfterFirst, f.limiter.Snapshot().Remaining)
	// gpt-4: 100 prompt at 0.03 + 50 completion at 0.06
	assert.InDelta(t, 25-0.006, remainingAfterFirst, 1e-9)

	res, err := wire.DecodeResponse(second)
	require.NoError(t, err)
	assert.Equal(t, models.ChatCompletionResult{Text: "generated", Request: chatReq("hello")}, res)

	entries := f.auditor.all()
	require.Len(t, entries, 2)
	assert.False(t, entries[0].CacheHit)
	assert.True(t, entries[1].CacheHit)
	assert.Equal(t, models.OutcomeOK, entries[1].Outcome)
	assert.Equal(t, entries[0].Fingerprint, entries[1].Fingerprint)
}

func TestSuccessRecordsUsageAndState(t *testing.T) {
	f := newFixture(t, 25)
	_, err := f.d.Process(context.Background(), models.TextCompletionRequest{PromptText: "hi", CompletionTokenLimit: 8})
	require.NoError(t, err)

	require.Len(t, f.ledger.records, 1)
	rec := f.ledger.records[0]
	assert.Equal(t, "text-davinci-003", rec.Model)
	assert.Equal(t, "text_completion", rec.Kind)
	assert.InDelta(t, 0.003, rec.Cost, 1e-9) // flat: 150 tokens at 0.02

	require.NotNil(t, f.ledger.state)
	assert.InDelta(t, 25-0.003, f.ledger.state.Remaining, 1e-9)
}

func TestRateExceeded(t *testing.T) {
	// One gpt-4 call costs 0.006, which exhausts a 0.005 ceiling.
	f := newFixture(t, 0.005)
	ctx := context.Background()

	_, err := f.d.Process(ctx, chatReq("first"))
	require.NoError(t, err)
	assert.Less(t, f.limiter.Snapshot().Remaining, 0.0)

	_, err = f.d.Process(ctx, chatReq("second"))
	require.ErrorIs(t, err, ErrRateExceeded)
	assert.Equal(t, int64(1), f.prov.calls.Load())

	// Cached work is still served.
	_, err = f.d.Process(ctx, chatReq("first"))
	require.NoError(t, err)
}

func TestUnsafePromptNeverReachesProvider(t *testing.T) {
	f := newFixture(t, 25)
	before := f.limiter.Snapshot().Remaining

	_, err := f.d.Process(context.Background(), chatReq("do something UNSAFE"))
	require.ErrorIs(t, err, ErrUnsafePrompt)
	assert.Equal(t, int64(0), f.prov.calls.Load())
	assert.Equal(t, before, f.limiter.Snapshot().Remaining)

	_, err = f.d.Process(context.Background(), models.EmbeddingRequest{Texts: []string{"ok", "UNSAFE"}})
	require.ErrorIs(t, err, ErrUnsafePrompt)
	assert.Equal(t, int64(0), f.prov.calls.Load())
}

func TestUnsafeResult(t *testing.T) {
	f := newFixture(t, 25)
	f.prov.text = "this is UNSAFE output"
	before := f.limiter.Snapshot().Remaining
	req := chatReq("clean prompt")

	_, err := f.d.Process(context.Background(), req)
	require.ErrorIs(t, err, ErrUnsafeResult)
	assert.Equal(t, int64(1), f.prov.calls.Load())
	assert.Equal(t, before, f.limiter.Snapshot().Remaining)

	fp, _ := wire.Fingerprint(req)
	ok, err := f.cache.Contains(context.Background(), fp)
	require.NoError(t, err)
	assert.False(t, ok, "unsafe result must not be cached")
}

func TestEmptyResult(t *testing.T) {
	f := newFixture(t, 25)
	f.prov.text = ""
	before := f.limiter.Snapshot().Remaining

	_, err := f.d.Process(context.Background(), models.TextCompletionRequest{PromptText: "x", CompletionTokenLimit: 1})
	require.ErrorIs(t, err, ErrEmptyResult)
	assert.Equal(t, before, f.limiter.Snapshot().Remaining)
}

func TestProviderErrorVerbatim(t *testing.T) {
	f := newFixture(t, 25)
	apiErr := &provider.APIError{StatusCode: 500, Message: "upstream down"}
	f.prov.setErr(apiErr)

	_, err := f.d.Process(context.Background(), chatReq("hello"))
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	var got *provider.APIError
	require.ErrorAs(t, err, &got)
	assert.Same(t, apiErr, got)
}

func TestUnknownModel(t *testing.T) {
	f := newFixture(t, 25)
	req := chatReq("hello")
	req.ModelName = "mystery-model"

	_, err := f.d.Process(context.Background(), req)
	require.ErrorIs(t, err, ErrUnknownModel)
	assert.Equal(t, int64(0), f.prov.calls.Load())
}

func TestTokenLimitClamped(t *testing.T) {
	f := newFixture(t, 25)
	req := models.TextCompletionRequest{PromptText: "long", CompletionTokenLimit: 100000}

	res, err := f.d.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.MaxCompletionTokens, f.prov.lastLimit.Load())
	assert.Equal(t, uint32(100000), res.(models.TextCompletionResult).Request.CompletionTokenLimit)
}

func TestEmbeddingVectorsNotScreened(t *testing.T) {
	f := newFixture(t, 25)
	res, err := f.d.Process(context.Background(), models.EmbeddingRequest{Texts: []string{"a", "b", "c"}})
	require.NoError(t, err)
	assert.Len(t, res.(models.EmbeddingResult).Vectors, 3)
	assert.Equal(t, int64(3), f.screen.calls.Load())
}

func TestHandleDecodeError(t *testing.T) {
	f := newFixture(t, 25)
	out, err := f.d.Handle(context.Background(), []byte{0xff, 0x01})
	require.NoError(t, err)

	_, err = wire.DecodeResponse(out)
	var re *wire.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, wire.CodeDecode, re.Code)
}

func TestInvalidRequestIsDecodeError(t *testing.T) {
	f := newFixture(t, 25)
	_, err := f.d.Process(context.Background(), models.TextCompletionRequest{PromptText: "x"})
	require.ErrorIs(t, err, ErrDecode)
	assert.Equal(t, wire.CodeDecode, codeFor(err))
}

func TestCacheWriteFailureSwallowed(t *testing.T) {
	f := newFixture(t, 25, func(c *Config) { c.Cache = failingCache{} })
	res, err := f.d.Process(context.Background(), chatReq("hello"))
	require.NoError(t, err)
	assert.Equal(t, "generated", res.(models.ChatCompletionResult).Text)
}

func TestStaleCacheEntryRecomputed(t *testing.T) {
	stale := &staleCache{}
	f := newFixture(t, 25, func(c *Config) { c.Cache = stale })

	res, err := f.d.Process(context.Background(), chatReq("hello"))
	require.NoError(t, err)
	assert.Equal(t, "generated", res.(models.ChatCompletionResult).Text)
	assert.Equal(t, int64(1), f.prov.calls.Load())
	assert.Equal(t, int64(1), stale.puts.Load(), "recomputed result overwrites the stale entry")
}

func TestDedupeInFlight(t *testing.T) {
	f := newFixture(t, 25, func(c *Config) { c.DedupeInFlight = true })
	f.prov.gate = make(chan struct{})
	req := chatReq("same")

	const n = 5
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.d.Process(context.Background(), req)
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return f.prov.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)
	// Give the other callers time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(f.prov.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), f.prov.calls.Load())
	assert.InDelta(t, 25-0.006, f.limiter.Snapshot().Remaining, 1e-9)

	entries := f.auditor.all()
	require.Len(t, entries, n)
	var paid []models.AuditEntry
	for _, e := range entries {
		if !e.CacheHit {
			paid = append(paid, e)
		} else {
			assert.Zero(t, e.Cost)
		}
	}
	require.Len(t, paid, 1, "exactly one caller pays for the shared call")
	assert.InDelta(t, 0.006, paid[0].Cost, 1e-9)
	assert.Equal(t, 150, paid[0].TotalTokens)
}

func TestZeroCeilingRefusesBeforeProvider(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.d.Process(context.Background(), chatReq("anything"))
	require.ErrorIs(t, err, ErrRateExceeded)
	assert.Equal(t, int64(0), f.prov.calls.Load())
	assert.Zero(t, f.screen.calls.Load())
	assert.Empty(t, f.ledger.records)

	entries := f.auditor.all()
	require.Len(t, entries, 1)
	assert.Equal(t, models.OutcomeRateExceeded, entries[0].Outcome)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
