package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carecloud/agentd/pkg/classify"
	"github.com/carecloud/agentd/pkg/retrieval"
	"github.com/carecloud/agentd/pkg/store"
	"github.com/carecloud/agentd/pkg/tools"
)

// fakeProvider returns scripted responses in order, then repeats the
// last one.
type fakeProvider struct {
	mu        sync.Mutex
	responses []*LLMResponse
	errs      []error
	calls     int
	delay     time.Duration
	requests  []LLMRequest
}

func (p *fakeProvider) Provider() string { return "fake" }

func (p *fakeProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	p.mu.Lock()
	index := p.calls
	p.calls++
	p.requests = append(p.requests, request)
	p.mu.Unlock()

	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if index < len(p.errs) && p.errs[index] != nil {
		return nil, p.errs[index]
	}
	if len(p.responses) == 0 {
		return &LLMResponse{Content: "ok"}, nil
	}
	if index >= len(p.responses) {
		index = len(p.responses) - 1
	}
	return p.responses[index], nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakeRetriever serves fixed results or a fixed error.
type fakeRetriever struct {
	results []retrieval.Result
	err     error
}

func (r *fakeRetriever) Name() string { return "fake" }

func (r *fakeRetriever) Add(ctx context.Context, docs []retrieval.Document) error { return nil }

func (r *fakeRetriever) Query(ctx context.Context, text string, topK int) ([]retrieval.Result, error) {
	if r.err != nil {
		return nil, r.err
	}
	if topK < len(r.results) {
		return r.results[:topK], nil
	}
	return r.results, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(store.Config{
		DBPath: filepath.Join(t.TempDir(), "ledger.db"),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestExecutor(t *testing.T, provider LLMProvider, retriever retrieval.Retriever, opts ...func(*Config)) (*Executor, *store.Store) {
	t.Helper()

	s := newTestStore(t)

	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltinTools(registry, tools.Options{
		WorkspaceRoot: t.TempDir(),
		DB:            s.DB(),
	}))

	cfg := Config{
		Provider:      provider,
		Registry:      registry,
		Retriever:     retriever,
		Store:         s,
		Model:         ModelConfig{Model: "test-model", MaxIterations: 3, MaxRetries: 1},
		TimeoutBudget: 2 * time.Second,
		Logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	executor, err := NewExecutor(cfg)
	require.NoError(t, err)
	return executor, s
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("should answer a plain query and persist it", func(t *testing.T) {
		provider := &fakeProvider{responses: []*LLMResponse{{Content: "take 500mg"}}}
		executor, s := newTestExecutor(t, provider, nil)

		response, err := executor.Execute(ctx, Request{QueryText: "aspirin dosage for adults"})
		require.NoError(t, err)
		assert.Equal(t, "take 500mg", response.Text)
		assert.Equal(t, classify.VariantMedicine, response.Variant)
		assert.NotEmpty(t, response.QueryID)
		assert.NotEmpty(t, response.SessionID)
		assert.False(t, response.PersistFailed)

		history, err := s.FetchHistory(ctx, response.SessionID, 10)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, "aspirin dosage for adults", history[0].QueryText)
		assert.Equal(t, "take 500mg", history[0].ResponseText)
	})

	t.Run("should reject empty queries", func(t *testing.T) {
		executor, _ := newTestExecutor(t, &fakeProvider{}, nil)

		_, err := executor.Execute(ctx, Request{QueryText: "   "})
		assert.ErrorIs(t, err, classify.ErrInvalidInput)
	})

	t.Run("should honor an explicit agent hint", func(t *testing.T) {
		provider := &fakeProvider{responses: []*LLMResponse{{Content: "ok"}}}
		executor, _ := newTestExecutor(t, provider, nil)

		response, err := executor.Execute(ctx, Request{
			QueryText: "aspirin dosage",
			AgentHint: "toolbox",
		})
		require.NoError(t, err)
		assert.Equal(t, classify.VariantToolbox, response.Variant)
	})

	t.Run("should keep a session on its agent for hint-free follow-ups", func(t *testing.T) {
		provider := &fakeProvider{responses: []*LLMResponse{{Content: "ok"}, {Content: "still ok"}}}
		executor, _ := newTestExecutor(t, provider, nil)

		first, err := executor.Execute(ctx, Request{SessionID: "sess-1", QueryText: "aspirin dosage"})
		require.NoError(t, err)
		assert.Equal(t, classify.VariantMedicine, first.Variant)

		// The follow-up text alone would classify as database, but the
		// session stays bound to medicine.
		second, err := executor.Execute(ctx, Request{SessionID: "sess-1", QueryText: "show all rows where id > 5"})
		require.NoError(t, err)
		assert.Equal(t, classify.VariantMedicine, second.Variant)
	})

	t.Run("should conflict when a hint contradicts the session's agent", func(t *testing.T) {
		provider := &fakeProvider{responses: []*LLMResponse{{Content: "ok"}}}
		executor, _ := newTestExecutor(t, provider, nil)

		_, err := executor.Execute(ctx, Request{SessionID: "sess-1", QueryText: "aspirin dosage"})
		require.NoError(t, err)

		_, err = executor.Execute(ctx, Request{SessionID: "sess-1", QueryText: "anything", AgentHint: "database"})
		assert.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("should offer only registered profile tools", func(t *testing.T) {
		provider := &fakeProvider{responses: []*LLMResponse{{Content: "ok"}}}
		executor, _ := newTestExecutor(t, provider, nil, func(cfg *Config) {
			profiles := DefaultProfiles()
			profile := profiles[classify.VariantMedicine]
			profile.Tools = append([]string{"imaging_lookup"}, profile.Tools...)
			profiles[classify.VariantMedicine] = profile
			cfg.Profiles = profiles
		})

		_, err := executor.Execute(ctx, Request{QueryText: "aspirin dosage"})
		require.NoError(t, err)

		require.NotEmpty(t, provider.requests)
		for _, def := range provider.requests[0].Tools {
			name := def.(map[string]interface{})["name"].(string)
			assert.NotEqual(t, "imaging_lookup", name)
		}
	})

	t.Run("should estimate usage when the provider reports none", func(t *testing.T) {
		provider := &fakeProvider{responses: []*LLMResponse{{Content: "take 500mg"}}}
		executor, _ := newTestExecutor(t, provider, nil)

		response, err := executor.Execute(ctx, Request{QueryText: "aspirin dosage"})
		require.NoError(t, err)
		require.NotNil(t, response.Usage)
		assert.Greater(t, response.Usage.InputTokens, 0)
		assert.Greater(t, response.Usage.OutputTokens, 0)
	})

	t.Run("should include retrieval context in the system prompt", func(t *testing.T) {
		provider := &fakeProvider{responses: []*LLMResponse{{Content: "grounded answer"}}}
		retriever := &fakeRetriever{results: []retrieval.Result{
			{Content: "aspirin max 500mg", Score: 0.9, SourceID: "guides/aspirin.md"},
		}}
		executor, _ := newTestExecutor(t, provider, retriever)

		response, err := executor.Execute(ctx, Request{QueryText: "aspirin dosage"})
		require.NoError(t, err)
		require.Len(t, response.Sources, 1)
		assert.False(t, response.Degraded)

		require.NotEmpty(t, provider.requests)
		assert.Contains(t, provider.requests[0].SystemPrompt, "aspirin max 500mg")
	})

	t.Run("should degrade when the retriever is unavailable", func(t *testing.T) {
		provider := &fakeProvider{responses: []*LLMResponse{{Content: "best effort"}}}
		retriever := &fakeRetriever{err: retrieval.ErrRetrieverUnavailable}
		executor, _ := newTestExecutor(t, provider, retriever)

		response, err := executor.Execute(ctx, Request{QueryText: "aspirin dosage"})
		require.NoError(t, err)
		assert.True(t, response.Degraded)
		assert.Empty(t, response.Sources)
		assert.Equal(t, "best effort", response.Text)
	})

	t.Run("should carry history into follow-up prompts", func(t *testing.T) {
		provider := &fakeProvider{responses: []*LLMResponse{{Content: "answer"}}}
		executor, _ := newTestExecutor(t, provider, nil)

		_, err := executor.Execute(ctx, Request{SessionID: "sess-1", QueryText: "aspirin dosage"})
		require.NoError(t, err)
		_, err = executor.Execute(ctx, Request{SessionID: "sess-1", QueryText: "what about ibuprofen medicine"})
		require.NoError(t, err)

		last := provider.requests[len(provider.requests)-1]
		var contents []string
		for _, msg := range last.Messages {
			contents = append(contents, msg.Role+": "+msg.Content)
		}
		assert.Contains(t, fmt.Sprint(contents), "aspirin dosage")
		assert.Contains(t, fmt.Sprint(contents), "answer")
	})
}

func TestToolLoop(t *testing.T) {
	ctx := context.Background()

	t.Run("should execute tool calls between turns", func(t *testing.T) {
		provider := &fakeProvider{responses: []*LLMResponse{
			{ToolCalls: []ToolCall{{ID: "call-1", Name: "calculator", Parameters: map[string]interface{}{"expression": "6*7"}}}},
			{Content: "the answer is 42"},
		}}
		executor, _ := newTestExecutor(t, provider, nil)

		response, err := executor.Execute(ctx, Request{QueryText: "calculate 6*7", AgentHint: "toolbox"})
		require.NoError(t, err)
		assert.Equal(t, "the answer is 42", response.Text)
		require.Len(t, response.ToolCalls, 1)
		assert.Equal(t, "calculator", response.ToolCalls[0].Name)

		// Second turn must carry the tool outcome back.
		last := provider.requests[len(provider.requests)-1]
		found := false
		for _, msg := range last.Messages {
			if msg.Role == "tool" && msg.ToolCallID == "call-1" {
				found = true
				assert.Contains(t, msg.Content, "42")
			}
		}
		assert.True(t, found, "tool outcome missing from follow-up request")
	})

	t.Run("should fail with ErrToolLoopExceeded at the iteration cap", func(t *testing.T) {
		// Always asks for another tool call.
		provider := &fakeProvider{responses: []*LLMResponse{
			{ToolCalls: []ToolCall{{ID: "loop", Name: "calculator", Parameters: map[string]interface{}{"expression": "1"}}}},
		}}
		executor, s := newTestExecutor(t, provider, nil)

		_, err := executor.Execute(ctx, Request{SessionID: "sess-1", QueryText: "calculate forever", AgentHint: "toolbox"})
		assert.ErrorIs(t, err, ErrToolLoopExceeded)
		assert.Equal(t, 3, provider.callCount())

		// Nothing is persisted for a failed loop.
		history, err := s.FetchHistory(ctx, "sess-1", 10)
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("should block tools outside the variant policy", func(t *testing.T) {
		provider := &fakeProvider{responses: []*LLMResponse{
			{ToolCalls: []ToolCall{{ID: "call-1", Name: "calculator", Parameters: map[string]interface{}{"expression": "1"}}}},
			{Content: "done"},
		}}
		executor, _ := newTestExecutor(t, provider, nil)

		// The database variant only allows db_query.
		_, err := executor.Execute(ctx, Request{QueryText: "select everything", AgentHint: "database"})
		require.NoError(t, err)

		last := provider.requests[len(provider.requests)-1]
		for _, msg := range last.Messages {
			if msg.Role == "tool" {
				assert.Contains(t, msg.Content, "not allowed")
			}
		}
	})
}

func TestTimeouts(t *testing.T) {
	ctx := context.Background()

	t.Run("should retry once then fail with ErrUpstreamTimeout", func(t *testing.T) {
		provider := &fakeProvider{delay: 200 * time.Millisecond}
		executor, s := newTestExecutor(t, provider, nil, func(cfg *Config) {
			cfg.TimeoutBudget = 50 * time.Millisecond
		})

		start := time.Now()
		_, err := executor.Execute(ctx, Request{SessionID: "sess-1", QueryText: "aspirin dosage"})
		assert.ErrorIs(t, err, ErrUpstreamTimeout)
		assert.Equal(t, 2, provider.callCount())
		assert.Less(t, time.Since(start), time.Second)

		// A timed-out query is never persisted.
		history, err := s.FetchHistory(ctx, "sess-1", 10)
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("should succeed when the retry answers in time", func(t *testing.T) {
		provider := &retryOnceProvider{}
		executor, _ := newTestExecutor(t, provider, nil, func(cfg *Config) {
			cfg.TimeoutBudget = 100 * time.Millisecond
		})

		response, err := executor.Execute(ctx, Request{QueryText: "aspirin dosage"})
		require.NoError(t, err)
		assert.Equal(t, "second try", response.Text)
	})
}

// retryOnceProvider blocks past the budget on its first call and
// answers promptly on the second.
type retryOnceProvider struct {
	mu    sync.Mutex
	calls int
}

func (p *retryOnceProvider) Provider() string { return "retry-once" }

func (p *retryOnceProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	p.mu.Lock()
	p.calls++
	first := p.calls == 1
	p.mu.Unlock()

	if first {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &LLMResponse{Content: "second try"}, nil
}

func TestRunningSessions(t *testing.T) {
	t.Run("should report sessions in flight", func(t *testing.T) {
		release := make(chan struct{})
		provider := &blockingProvider{release: release}
		executor, _ := newTestExecutor(t, provider, nil)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = executor.Execute(context.Background(), Request{SessionID: "busy", QueryText: "aspirin dosage"})
		}()

		require.Eventually(t, func() bool {
			return len(executor.RunningSessions()) == 1
		}, time.Second, 10*time.Millisecond)
		assert.Contains(t, executor.RunningSessions(), "busy")

		close(release)
		<-done
		assert.Empty(t, executor.RunningSessions())
	})

	t.Run("should cancel a run on abort", func(t *testing.T) {
		provider := &blockingProvider{release: make(chan struct{})}
		executor, _ := newTestExecutor(t, provider, nil)

		done := make(chan error, 1)
		go func() {
			_, err := executor.Execute(context.Background(), Request{SessionID: "doomed", QueryText: "aspirin dosage"})
			done <- err
		}()

		require.Eventually(t, func() bool {
			return len(executor.RunningSessions()) == 1
		}, time.Second, 10*time.Millisecond)

		executor.Abort("doomed")

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("aborted query did not return")
		}
		assert.Empty(t, executor.RunningSessions())
	})
}

// blockingProvider waits until released before answering.
type blockingProvider struct {
	release chan struct{}
}

func (p *blockingProvider) Provider() string { return "blocking" }

func (p *blockingProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	select {
	case <-p.release:
		return &LLMResponse{Content: "released"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
