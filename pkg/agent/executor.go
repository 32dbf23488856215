package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/carecloud/agentd/pkg/classify"
	"github.com/carecloud/agentd/pkg/retrieval"
	"github.com/carecloud/agentd/pkg/store"
	"github.com/carecloud/agentd/pkg/tools"
)

// Config holds executor configuration
type Config struct {
	Classifier    *classify.Classifier
	Provider      LLMProvider
	Registry      *tools.Registry
	Retriever     retrieval.Retriever
	Store         *store.Store
	Profiles      map[classify.Variant]VariantProfile
	Model         ModelConfig
	TimeoutBudget time.Duration
	TopK          int
	HistoryLimit  int
	Logger        zerolog.Logger
}

// retryBackoff is the pause before the single retry of a timed-out
// provider call.
const retryBackoff = 500 * time.Millisecond

// Executor orchestrates query execution end to end: classification,
// retrieval, the model loop and ledger persistence.
type Executor struct {
	classifier *classify.Classifier
	provider   LLMProvider
	registry   *tools.Registry
	retriever  retrieval.Retriever
	store      *store.Store
	profiles   map[classify.Variant]VariantProfile
	model      ModelConfig
	budget     time.Duration
	topK       int
	histLimit  int
	logger     zerolog.Logger

	// Active runs keyed by session, for status reporting.
	activeRuns map[string]context.CancelFunc
	runsMu     sync.RWMutex
}

// NewExecutor creates a new executor
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	classifier := cfg.Classifier
	if classifier == nil {
		classifier = classify.New()
	}
	profiles := cfg.Profiles
	if profiles == nil {
		profiles = DefaultProfiles()
	}
	model := cfg.Model
	if model.Model == "" {
		model = DefaultModelConfig()
	}
	budget := cfg.TimeoutBudget
	if budget <= 0 {
		budget = 60 * time.Second
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 3
	}
	histLimit := cfg.HistoryLimit
	if histLimit <= 0 {
		histLimit = 10
	}

	return &Executor{
		classifier: classifier,
		provider:   cfg.Provider,
		registry:   cfg.Registry,
		retriever:  cfg.Retriever,
		store:      cfg.Store,
		profiles:   profiles,
		model:      model,
		budget:     budget,
		topK:       topK,
		histLimit:  histLimit,
		logger:     cfg.Logger,
		activeRuns: make(map[string]context.CancelFunc),
	}, nil
}

// Profiles returns the variant profiles in use.
func (e *Executor) Profiles() map[classify.Variant]VariantProfile {
	return e.profiles
}

// RunningSessions returns the sessions with a query in flight.
func (e *Executor) RunningSessions() []string {
	e.runsMu.RLock()
	defer e.runsMu.RUnlock()

	sessions := make([]string, 0, len(e.activeRuns))
	for id := range e.activeRuns {
		sessions = append(sessions, id)
	}
	return sessions
}

// Abort cancels a running query for a session, if any.
func (e *Executor) Abort(sessionID string) {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()

	if cancel, ok := e.activeRuns[sessionID]; ok {
		cancel()
		delete(e.activeRuns, sessionID)
	}
}

// Execute runs one query: classify, ensure the session, retrieve
// context, drive the tool loop, then persist the exchange. A provider
// timeout is retried once with a fresh budget before giving up with
// ErrUpstreamTimeout; nothing is persisted in that case.
func (e *Executor) Execute(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	variant, err := e.classifier.Classify(req.QueryText, req.AgentHint)
	if err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	sessionCreated := true
	if sessionID == "" {
		sessionID = gonanoid.Must()
	} else {
		existing, err := e.store.GetSession(ctx, sessionID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		if existing != nil {
			sessionCreated = false
			// A hint-free follow-up stays on the agent the session is
			// bound to, even when the new query text would classify
			// differently. Only an explicit conflicting hint is an
			// error, and CreateSession rejects that below.
			if req.AgentHint == "" {
				if bound, ok := classify.ParseVariant(existing.AgentType); ok {
					variant = bound
				}
			}
		}
	}
	if _, err := e.store.CreateSession(ctx, sessionID, variant.String()); err != nil {
		return nil, err
	}

	profile, ok := e.profiles[variant]
	if !ok {
		profile = e.profiles[classify.VariantGeneral]
	}

	logger := e.logger.With().
		Str("session", sessionID).
		Str("variant", variant.String()).
		Logger()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.runsMu.Lock()
	e.activeRuns[sessionID] = cancel
	e.runsMu.Unlock()
	defer func() {
		e.runsMu.Lock()
		delete(e.activeRuns, sessionID)
		e.runsMu.Unlock()
	}()

	sources, degraded := e.retrieveContext(runCtx, profile, req.QueryText, logger)

	messages, err := e.buildMessages(runCtx, sessionID, profile, req.QueryText, sources)
	if err != nil {
		return nil, err
	}

	toolDefs := e.buildToolDefs(profile.Tools)

	result, err := e.runWithBudget(runCtx, messages, toolDefs, profile, logger)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start).Seconds()

	usage := result.Usage
	if usage == nil || usage.InputTokens+usage.OutputTokens == 0 {
		// Some providers report no usage; fall back to a rough
		// character-based estimate so budgets still have a signal.
		usage = &TokenUsage{
			InputTokens:  EstimateTokens(messages),
			OutputTokens: EstimateTokens([]Message{{Content: result.Content}}),
		}
	}

	response := &Response{
		QueryID:        gonanoid.Must(),
		SessionID:      sessionID,
		SessionCreated: sessionCreated,
		Variant:        variant,
		Text:           result.Content,
		Sources:        sources,
		ToolCalls:      result.ToolCalls,
		Usage:          usage,
		Degraded:       degraded,
		ProcessingTime: elapsed,
	}

	if _, err := e.store.RecordQuery(ctx, store.QueryRecord{
		SessionID:      sessionID,
		QueryText:      req.QueryText,
		ResponseText:   result.Content,
		ProcessingTime: elapsed,
	}); err != nil {
		// The answer is still usable; flag the ledger miss instead of
		// failing the query.
		logger.Error().Err(err).Msg("Failed to persist query record")
		response.PersistFailed = true
	}

	logger.Info().
		Float64("processing_time", elapsed).
		Bool("degraded", degraded).
		Int("tool_calls", len(result.ToolCalls)).
		Msg("Query completed")

	return response, nil
}

// runWithBudget runs the tool loop under the time budget, retrying
// once on a provider timeout.
func (e *Executor) runWithBudget(ctx context.Context, messages []Message, toolDefs []interface{}, profile VariantProfile, logger zerolog.Logger) (*loopResult, error) {
	for attempt := 0; attempt < 2; attempt++ {
		budgetCtx, cancel := context.WithTimeout(ctx, e.budget)
		result, err := e.runToolLoop(budgetCtx, e.provider, messages, toolDefs, profile, e.model, logger)
		cancel()

		if err == nil {
			return result, nil
		}
		// Loop cap and caller cancellation are not timeout conditions.
		if errors.Is(err, ErrToolLoopExceeded) || ctx.Err() != nil {
			return nil, err
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		if attempt == 0 {
			logger.Warn().Dur("budget", e.budget).Msg("Provider timed out, retrying once")
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("%w: no answer within %s after retry", ErrUpstreamTimeout, e.budget)
}

// retrieveContext queries the retrieval backend for the profile. An
// unavailable backend degrades the query rather than failing it.
func (e *Executor) retrieveContext(ctx context.Context, profile VariantProfile, queryText string, logger zerolog.Logger) ([]retrieval.Result, bool) {
	if !profile.UseRetrieval || e.retriever == nil {
		return nil, false
	}

	results, err := e.retriever.Query(ctx, queryText, e.topK)
	if err != nil {
		if errors.Is(err, retrieval.ErrRetrieverUnavailable) {
			logger.Warn().Str("backend", e.retriever.Name()).Msg("Retriever unavailable, answering without context")
			return nil, true
		}
		logger.Error().Err(err).Msg("Retrieval failed, answering without context")
		return nil, true
	}

	return results, false
}

// buildMessages renders the system prompt with retrieval context and
// prepends the recent session history in chronological order.
func (e *Executor) buildMessages(ctx context.Context, sessionID string, profile VariantProfile, queryText string, sources []retrieval.Result) ([]Message, error) {
	systemPrompt := profile.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = "You are a helpful assistant."
	}

	if len(sources) > 0 {
		var b strings.Builder
		b.WriteString(systemPrompt)
		b.WriteString("\n\n# Reference Material\n\n")
		for i, src := range sources {
			fmt.Fprintf(&b, "## Source %d (relevance: %.2f)\n%s\n\n", i+1, src.Score, src.Content)
		}
		systemPrompt = b.String()
	}

	messages := []Message{{Role: "system", Content: systemPrompt}}

	history, err := e.store.FetchHistory(ctx, sessionID, e.histLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	// History arrives newest first; the prompt wants it oldest first.
	for i := len(history) - 1; i >= 0; i-- {
		messages = append(messages,
			Message{Role: "user", Content: history[i].QueryText},
			Message{Role: "assistant", Content: history[i].ResponseText},
		)
	}

	messages = append(messages, Message{Role: "user", Content: queryText})
	return messages, nil
}

// buildToolDefs converts registered tool definitions into the wire
// format providers expect. Profile tools with no registered
// implementation are left out so a variant still answers with the
// tools it does have.
func (e *Executor) buildToolDefs(toolNames []string) []interface{} {
	if len(toolNames) == 0 {
		return nil
	}

	defs := []interface{}{}
	for _, name := range toolNames {
		tool := e.registry.Get(name)
		if tool == nil {
			e.logger.Warn().Str("tool", name).Msg("Profile tool is not registered, offering the rest")
			continue
		}

		inputSchema := map[string]interface{}{
			"type":       "object",
			"properties": make(map[string]interface{}),
		}
		properties := inputSchema["properties"].(map[string]interface{})
		required := []string{}

		for _, param := range tool.Parameters {
			properties[param.Name] = map[string]interface{}{
				"type":        param.Type,
				"description": param.Description,
			}
			if param.Required {
				required = append(required, param.Name)
			}
		}
		if len(required) > 0 {
			inputSchema["required"] = required
		}

		defs = append(defs, map[string]interface{}{
			"name":         tool.Name,
			"description":  tool.Description,
			"input_schema": inputSchema,
		})
	}

	return defs
}
