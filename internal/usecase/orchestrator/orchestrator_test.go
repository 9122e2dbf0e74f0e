package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfabric/internal/adapter/membus"
	"agentfabric/internal/domain"
	"agentfabric/internal/infra/logger"
	"agentfabric/internal/usecase/agent"
	"agentfabric/internal/usecase/planner"
	"agentfabric/internal/usecase/runtimeconfig"
	"agentfabric/internal/usecase/session"
	"agentfabric/internal/usecase/thread"
	"agentfabric/internal/usecase/worker"
)

// scriptAgent records its calls and answers with respond.
type scriptAgent struct {
	kind    domain.AgentKind
	variant domain.ThreadVariant
	memory  bool
	respond func(ctx context.Context, msgs []domain.Message) (*domain.AgentResponse, error)

	mu        sync.Mutex
	calls     [][]domain.Message
	overrides []*domain.RuntimeOverrides
	stored    []domain.MemoryRecord
}

func newScript(kind domain.AgentKind, respond func(ctx context.Context, msgs []domain.Message) (*domain.AgentResponse, error)) *scriptAgent {
	return &scriptAgent{kind: kind, variant: domain.VariantLocal, respond: respond}
}

func says(kind domain.AgentKind, text string) *scriptAgent {
	return newScript(kind, func(context.Context, []domain.Message) (*domain.AgentResponse, error) {
		return domain.TextResponse(text), nil
	})
}

func fails(kind domain.AgentKind, err error) *scriptAgent {
	return newScript(kind, func(context.Context, []domain.Message) (*domain.AgentResponse, error) {
		return nil, err
	})
}

func (s *scriptAgent) Kind() domain.AgentKind        { return s.kind }
func (s *scriptAgent) Variant() domain.ThreadVariant { return s.variant }
func (s *scriptAgent) Capabilities() domain.Capability {
	if s.memory {
		return domain.CapInvoke | domain.CapMemoryStore | domain.CapMemorySearch
	}
	return domain.CapInvoke
}

func (s *scriptAgent) Invoke(ctx context.Context, msgs []domain.Message, _ domain.Thread, o *domain.RuntimeOverrides) (*domain.AgentResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, msgs)
	s.overrides = append(s.overrides, o)
	s.mu.Unlock()
	return s.respond(ctx, msgs)
}

func (s *scriptAgent) MemoryStore(_ context.Context, rec domain.MemoryRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, rec)
	return "", errors.New("disk full")
}

func (s *scriptAgent) MemorySearch(context.Context, domain.MemorySearch) ([]domain.MemoryResult, error) {
	return nil, errors.New("index corrupt")
}

func (s *scriptAgent) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fakePlatform struct {
	domain.HostedPlatform
	files    map[string]*domain.HostedFile
	steps    []domain.RunStep
	stepsErr error
}

func (p *fakePlatform) GetThread(_ context.Context, id string) (string, error) { return id, nil }
func (p *fakePlatform) CreateThread(context.Context) (string, error)           { return "thread_new", nil }

func (p *fakePlatform) DownloadFile(_ context.Context, id string) (*domain.HostedFile, error) {
	f, ok := p.files[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return f, nil
}

func (p *fakePlatform) ListRunSteps(context.Context, string, string) ([]domain.RunStep, error) {
	return p.steps, p.stepsErr
}

type fakeArtifacts struct {
	mu    sync.Mutex
	names []string
}

func (a *fakeArtifacts) SaveFile(_ context.Context, name, _ string, _ []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.names = append(a.names, name)
	return "https://blob.example/" + name + "?sig=1", nil
}

type fakeReports struct {
	saved []domain.Report
}

func (r *fakeReports) SaveReport(_ context.Context, rep domain.Report) (string, error) {
	r.saved = append(r.saved, rep)
	return "rep-1", nil
}

type env struct {
	t         *testing.T
	bus       *membus.Bus
	orch      *Orchestrator
	platform  *fakePlatform
	artifacts *fakeArtifacts
	reports   *fakeReports
	deps      Deps
	msgs      <-chan []byte
}

func testConfig(agents []*scriptAgent) *runtimeconfig.ResolvedConfig {
	cfg := &runtimeconfig.ResolvedConfig{
		VersionID: "test",
		Agents:    map[string]runtimeconfig.AgentConfig{},
		Prompts:   map[string]string{"memory_context": "Past plans:\n{{memories}}"},
	}
	for _, a := range agents {
		ac := runtimeconfig.AgentConfig{Name: string(a.kind), Description: "does " + strings.ToLower(string(a.kind))}
		if a.variant == domain.VariantHosted {
			ac.Type = runtimeconfig.TypeHosted
		}
		if a.kind == domain.KindPlanner {
			ac.Prompt = "Choose from:\n{{agents}}"
		}
		if a.kind == "GROUNDED" {
			ac.Grounding = true
		}
		cfg.Agents[string(a.kind)] = ac
	}
	return cfg
}

func newEnv(t *testing.T, opts Options, agents ...*scriptAgent) *env {
	t.Helper()
	byKind := make(map[domain.AgentKind]*scriptAgent, len(agents))
	for _, a := range agents {
		byKind[a.kind] = a
	}
	construct := func(_ context.Context, spec agent.Spec, _ *runtimeconfig.ResolvedConfig, _ runtimeconfig.AgentConfig) (domain.Agent, error) {
		a, ok := byKind[spec.Kind]
		if !ok {
			return nil, fmt.Errorf("no script for %s", spec.Kind)
		}
		return a, nil
	}
	specs := append(agent.DefaultSpecs(),
		agent.Spec{Kind: "A", Variant: domain.VariantLocal},
		agent.Spec{Kind: "B", Variant: domain.VariantLocal},
		agent.Spec{Kind: "GROUNDED", Variant: domain.VariantHosted, SharedThread: true},
	)
	factory := agent.NewFactory(construct, specs, logger.Discard())

	e := &env{
		t:         t,
		bus:       membus.New(logger.Discard()),
		platform:  &fakePlatform{files: map[string]*domain.HostedFile{}},
		artifacts: &fakeArtifacts{},
		reports:   &fakeReports{},
	}
	t.Cleanup(func() { _ = e.bus.Close() })

	e.deps = Deps{
		Factory:   factory,
		Binder:    thread.NewBinder(e.platform, 0, logger.Discard()),
		Planner:   planner.New(factory, planner.Config{}, logger.Discard()),
		Publisher: e.bus,
		Platform:  e.platform,
		Artifacts: e.artifacts,
		Reports:   e.reports,
		Logger:    logger.Discard(),
	}
	e.orch = New("s1", testConfig(agents), e.deps, opts)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	msgs, unsubscribe, err := e.bus.Subscribe(ctx, "s1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = unsubscribe() })
	e.msgs = msgs
	return e
}

func request(message string, meta map[string]any) *domain.Request {
	return &domain.Request{
		SessionID:          "s1",
		ThreadID:           "t1",
		UserID:             "u",
		DialogID:           "d",
		Message:            message,
		AdditionalMetadata: meta,
	}
}

// collect reads the channel until a final response arrives, then keeps
// listening for settle to catch any duplicate final.
func (e *env) collect(settle time.Duration) (updates []string, finals []*domain.Response) {
	e.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		var quiet <-chan time.Time
		if len(finals) > 0 {
			quiet = time.After(settle)
		}
		select {
		case raw := <-e.msgs:
			env, err := domain.DecodeEnvelope(raw)
			require.NoError(e.t, err)
			if env.Update != nil {
				require.Empty(e.t, finals, "update published after final")
				updates = append(updates, env.Update.UpdateMessage)
				continue
			}
			finals = append(finals, env.Response)
		case <-quiet:
			return updates, finals
		case <-deadline:
			e.t.Fatal("no final response")
			return nil, nil
		}
	}
}

func (e *env) run(req *domain.Request) ([]string, *domain.Response, error) {
	e.t.Helper()
	err := e.orch.Run(context.Background(), req)
	updates, finals := e.collect(50 * time.Millisecond)
	require.Len(e.t, finals, 1, "exactly one final response")
	assert.True(e.t, finals[0].Answer.IsFinal)
	return updates, finals[0], err
}

func planOf(agents ...string) string {
	quoted := make([]string, len(agents))
	for i, a := range agents {
		quoted[i] = `"` + a + `"`
	}
	return `{"plan_id":"p","agents":[` + strings.Join(quoted, ",") + `],"justification":""}`
}

func TestSimplePlanRoutesToFallback(t *testing.T) {
	fb := says(domain.KindFallback, "I can only chat.")
	e := newEnv(t, Options{}, says(domain.KindPlanner, planOf("FALLBACK_AGENT")), fb)

	_, resp, err := e.run(request("hello", nil))
	require.NoError(t, err)
	assert.Equal(t, "I can only chat.", resp.Answer.AnswerString)
	assert.Equal(t, []string{}, resp.Answer.DataPoints)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, "t1", resp.ThreadID)
	assert.Equal(t, "u", resp.UserID)
	assert.Equal(t, "d", resp.DialogID)
	assert.Equal(t, 1, fb.callCount())
}

func TestTwoStepPlan(t *testing.T) {
	a := says("A", "alpha")
	b := says("B", "beta")
	e := newEnv(t, Options{}, says(domain.KindPlanner, planOf("A", "B")), says(domain.KindFallback, "fb"), a, b)

	updates, resp, err := e.run(request("hello", nil))
	require.NoError(t, err)
	assert.Equal(t, "alpha\n\nbeta\n\n", resp.Answer.AnswerString)
	assert.Equal(t, "p", resp.Answer.AdditionalMetadata["plan_id"])
	assert.Equal(t, []string{"Planning...", "Executing plan with 2 steps: A, B"}, updates)

	require.Len(t, a.calls, 1)
	require.Len(t, a.calls[0], 1)
	assert.Equal(t, "hello", a.calls[0][0].Content)

	require.Len(t, b.calls, 1)
	require.Len(t, b.calls[0], 2)
	assert.Equal(t, "hello", b.calls[0][0].Content)
	assert.Equal(t, "alpha\n\n", b.calls[0][1].Content)

	history := e.orch.History()
	require.Len(t, history, 2)
	assert.Equal(t, domain.RoleAssistant, history[1].Role)
	assert.Equal(t, "alpha\n\nbeta\n\n", history[1].Content)
}

func TestLineBreaksAreFlattened(t *testing.T) {
	e := newEnv(t, Options{},
		says(domain.KindPlanner, planOf("A", "B")),
		says(domain.KindFallback, "fb"),
		says("A", "line one\nline two\r\n"),
		says("B", "  beta  "),
	)
	_, resp, err := e.run(request("hi", nil))
	require.NoError(t, err)
	assert.Equal(t, "line one line two\n\nbeta\n\n", resp.Answer.AnswerString)
}

func TestVisualizationCollectsArtifacts(t *testing.T) {
	viz := newScript(domain.KindVisualization, func(context.Context, []domain.Message) (*domain.AgentResponse, error) {
		return &domain.AgentResponse{Items: []domain.ContentItem{
			domain.TextItem("Here is the chart I drew"),
			domain.FileItem("f1", ""),
		}}, nil
	})
	viz.variant = domain.VariantHosted
	e := newEnv(t, Options{}, says(domain.KindPlanner, planOf("A", "VISUALIZATION_AGENT")), says(domain.KindFallback, "fb"), says("A", "alpha"), viz)
	e.platform.files["f1"] = &domain.HostedFile{ID: "f1", Name: "/mnt/data/chart.png", ContentType: "image/png", Data: []byte("png")}

	updates, resp, err := e.run(request("plot revenue", nil))
	require.NoError(t, err)

	var vizUpdates int
	for _, u := range updates {
		if strings.Contains(strings.ToLower(u), "visualization") {
			vizUpdates++
		}
	}
	assert.GreaterOrEqual(t, vizUpdates, 1)
	assert.Equal(t, []string{"https://blob.example/chart.png?sig=1"}, resp.Answer.DataPoints)
	assert.Equal(t, "alpha\n\n", resp.Answer.AnswerString)
	assert.NotContains(t, resp.Answer.AnswerString, "chart I drew")
	assert.Equal(t, []string{"chart.png"}, e.artifacts.names)
}

func TestVisualizationUploadFailureIsTolerated(t *testing.T) {
	viz := newScript(domain.KindVisualization, func(context.Context, []domain.Message) (*domain.AgentResponse, error) {
		return &domain.AgentResponse{Items: []domain.ContentItem{domain.FileItem("missing", "x.png")}}, nil
	})
	viz.variant = domain.VariantHosted
	e := newEnv(t, Options{}, says(domain.KindPlanner, planOf("A", "VISUALIZATION_AGENT")), says(domain.KindFallback, "fb"), says("A", "alpha"), viz)

	_, resp, err := e.run(request("plot", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{}, resp.Answer.DataPoints)
	assert.Equal(t, "alpha\n\n", resp.Answer.AnswerString)
}

func TestSaveAction(t *testing.T) {
	pl := says(domain.KindPlanner, planOf("A"))
	e := newEnv(t, Options{}, pl, says(domain.KindFallback, "fb"), says("A", "alpha"))

	_, resp, err := e.run(request("save it", map[string]any{
		"action": "save", "research_query": "Q", "report_level": "1", "persona": "P",
	}))
	require.NoError(t, err)
	require.Len(t, e.reports.saved, 1)
	rep := e.reports.saved[0]
	assert.Equal(t, "Q", rep.ResearchQuery)
	assert.Equal(t, "1", rep.ReportLevel)
	assert.Equal(t, "P", rep.Persona)
	assert.Equal(t, "s1", rep.SessionID)
	assert.Equal(t, "save", resp.Answer.AdditionalMetadata["action"])
	assert.Zero(t, pl.callCount(), "no planning on save")
}

func TestSaveActionNumericMetadata(t *testing.T) {
	e := newEnv(t, Options{}, says(domain.KindPlanner, planOf("A")), says(domain.KindFallback, "fb"))
	_, resp, err := e.run(request("", map[string]any{
		"action": "save", "research_query": "Q", "report_level": float64(2), "persona": "P",
	}))
	require.NoError(t, err)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "2", e.reports.saved[0].ReportLevel)
}

func TestCompareAction(t *testing.T) {
	cmp := says(domain.KindComparator, "RC is older")
	pl := says(domain.KindPlanner, planOf("A"))
	e := newEnv(t, Options{}, pl, says(domain.KindFallback, "fb"), cmp)

	_, resp, err := e.run(request("compare", map[string]any{
		"action": "compare", "report_content": "RC", "created_at": "2024-01-01",
	}))
	require.NoError(t, err)
	assert.Equal(t, "RC is older", resp.Answer.AnswerString)
	assert.Equal(t, "compare", resp.Answer.AdditionalMetadata["action"])
	require.Equal(t, 1, cmp.callCount())
	prompt := cmp.calls[0][0].Content
	assert.Contains(t, prompt, "RC")
	assert.Contains(t, prompt, "2024-01-01")
	assert.Zero(t, pl.callCount())
}

func TestActionsRequireMetadata(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]any
	}{
		{"save without persona", map[string]any{"action": "save", "research_query": "Q", "report_level": "1"}},
		{"compare without created_at", map[string]any{"action": "compare", "report_content": "RC"}},
		{"unsupported action", map[string]any{"action": "delete"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, Options{}, says(domain.KindPlanner, planOf("A")), says(domain.KindFallback, "fb"), says(domain.KindComparator, "c"))
			_, resp, err := e.run(request("x", tt.meta))
			assert.ErrorIs(t, err, domain.ErrInvalidRequest)
			require.NotNil(t, resp.Error)
			assert.False(t, resp.Error.Retry)
			assert.Equal(t, 400, resp.Error.StatusCode)
			assert.Empty(t, e.reports.saved)
		})
	}
}

func TestTimeout(t *testing.T) {
	block := newScript("A", func(ctx context.Context, _ []domain.Message) (*domain.AgentResponse, error) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		return domain.TextResponse("too late"), nil
	})
	e := newEnv(t, Options{RunTimeout: 100 * time.Millisecond}, says(domain.KindPlanner, planOf("A")), says(domain.KindFallback, "fb"), block)

	err := e.orch.Run(context.Background(), request("slow", nil))
	assert.ErrorIs(t, err, domain.ErrTimeout)

	_, finals := e.collect(200 * time.Millisecond)
	require.Len(t, finals, 1, "no second final after timeout")
	require.NotNil(t, finals[0].Error)
	assert.True(t, finals[0].Error.Retry)
	assert.True(t, finals[0].Answer.IsFinal)
	assert.Equal(t, 504, finals[0].Error.StatusCode)
}

func TestFallbackRouting(t *testing.T) {
	tests := []struct {
		name   string
		output string
	}{
		{"empty object", `{}`},
		{"empty agents", `{"agents":[]}`},
		{"fallback sentinel", `{"agents":["FALLBACK_AGENT"]}`},
		{"fallback alias", `{"agents":["FallbackAgent"]}`},
		{"malformed json", `{"agents":["A",`},
		{"unknown agent", `{"agents":["JIRA_AGENT"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := says("A", "alpha")
			fb := says(domain.KindFallback, "fallback answer")
			e := newEnv(t, Options{}, says(domain.KindPlanner, tt.output), fb, a)

			_, resp, err := e.run(request("hello", nil))
			require.NoError(t, err)
			assert.Equal(t, "fallback answer", resp.Answer.AnswerString)
			assert.Equal(t, 1, fb.callCount())
			assert.Zero(t, a.callCount(), "fallback is the sole invocation")
		})
	}
}

func TestAgentFailureRouting(t *testing.T) {
	t.Run("non-transient before output falls back", func(t *testing.T) {
		fb := says(domain.KindFallback, "sorry")
		e := newEnv(t, Options{}, says(domain.KindPlanner, planOf("A", "B")), fb, fails("A", domain.ErrAuthInvalid), says("B", "beta"))
		_, resp, err := e.run(request("hello", nil))
		require.NoError(t, err)
		assert.Equal(t, "sorry", resp.Answer.AnswerString)
	})

	t.Run("transient aborts with retry", func(t *testing.T) {
		fb := says(domain.KindFallback, "sorry")
		e := newEnv(t, Options{}, says(domain.KindPlanner, planOf("A")), fb, fails("A", fmt.Errorf("chat: %w", domain.ErrRateLimit)))
		_, resp, err := e.run(request("hello", nil))
		assert.ErrorIs(t, err, domain.ErrAgentInvocation)
		require.NotNil(t, resp.Error)
		assert.True(t, resp.Error.Retry)
		assert.Equal(t, 429, resp.Error.StatusCode)
		assert.Zero(t, fb.callCount())
	})

	t.Run("content filter is not retried", func(t *testing.T) {
		e := newEnv(t, Options{}, says(domain.KindPlanner, planOf("A")), says(domain.KindFallback, "fb"), fails("A", domain.ErrContentFilter))
		_, resp, err := e.run(request("hello", nil))
		assert.ErrorIs(t, err, domain.ErrContentFilter)
		require.NotNil(t, resp.Error)
		assert.False(t, resp.Error.Retry)
	})

	t.Run("failure after output aborts", func(t *testing.T) {
		fb := says(domain.KindFallback, "sorry")
		e := newEnv(t, Options{}, says(domain.KindPlanner, planOf("A", "B")), fb, says("A", "alpha"), fails("B", domain.ErrAuthInvalid))
		_, resp, err := e.run(request("hello", nil))
		require.Error(t, err)
		require.NotNil(t, resp.Error)
		assert.Zero(t, fb.callCount())
	})

	t.Run("planner transient failure aborts", func(t *testing.T) {
		fb := says(domain.KindFallback, "sorry")
		e := newEnv(t, Options{}, fails(domain.KindPlanner, domain.ErrRateLimit), fb)
		_, resp, err := e.run(request("hello", nil))
		assert.ErrorIs(t, err, domain.ErrAgentInvocation)
		assert.True(t, resp.Error.Retry)
		assert.Zero(t, fb.callCount())
	})
}

func TestMemoryFailuresDoNotAlterAnswer(t *testing.T) {
	pl := says(domain.KindPlanner, planOf("A"))
	pl.memory = true
	e := newEnv(t, Options{}, pl, says(domain.KindFallback, "fb"), says("A", "alpha"))

	_, resp, err := e.run(request("hello", nil))
	require.NoError(t, err)
	assert.Equal(t, "alpha\n\n", resp.Answer.AnswerString)

	require.NoError(t, e.orch.Close(context.Background()))
	pl.mu.Lock()
	defer pl.mu.Unlock()
	require.Len(t, pl.stored, 1, "persisted in the background before close returned")
	assert.Equal(t, planner.MemoryCollection, pl.stored[0].Collection)
}

func TestGroundingQueries(t *testing.T) {
	grounded := says("GROUNDED", "news")
	grounded.variant = domain.VariantHosted
	grounded.respond = func(context.Context, []domain.Message) (*domain.AgentResponse, error) {
		return &domain.AgentResponse{Items: []domain.ContentItem{domain.TextItem("news")}, Metadata: map[string]any{domain.MetaRunID: "run_1"}}, nil
	}
	e := newEnv(t, Options{}, says(domain.KindPlanner, planOf("GROUNDED")), says(domain.KindFallback, "fb"), grounded)
	e.platform.steps = []domain.RunStep{{ToolCalls: []domain.RunStepToolCall{
		{Type: "bing_grounding", RequestURL: "https://api.bing.microsoft.com/v7.0/search?q=acme+earnings"},
		{Type: "code_interpreter"},
		{Type: "bing_grounding", RequestURL: "https://api.bing.microsoft.com/v7.0/search?count=5"},
	}}}

	_, resp, err := e.run(request("news?", nil))
	require.NoError(t, err)
	assert.Equal(t, []any{"acme earnings"}, toAny(resp.Answer.AdditionalMetadata["search_queries"]))
	assert.True(t, grounded.overrides[0].Grounding)
}

func TestGroundingFailureIsTolerated(t *testing.T) {
	grounded := newScript("GROUNDED", func(context.Context, []domain.Message) (*domain.AgentResponse, error) {
		return &domain.AgentResponse{Items: []domain.ContentItem{domain.TextItem("news")}, Metadata: map[string]any{domain.MetaRunID: "run_1"}}, nil
	})
	grounded.variant = domain.VariantHosted
	e := newEnv(t, Options{}, says(domain.KindPlanner, planOf("GROUNDED")), says(domain.KindFallback, "fb"), grounded)
	e.platform.stepsErr = domain.ErrRateLimit

	_, resp, err := e.run(request("news?", nil))
	require.NoError(t, err)
	assert.Equal(t, "news\n\n", resp.Answer.AnswerString)
	assert.NotContains(t, resp.Answer.AdditionalMetadata, "search_queries")
}

// toAny normalizes a decoded JSON array.
func toAny(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return nil
	}
}

func TestPlannerSeesCatalog(t *testing.T) {
	pl := says(domain.KindPlanner, planOf("A"))
	e := newEnv(t, Options{}, pl, says(domain.KindFallback, "fb"), says("A", "alpha"), says("B", "beta"))

	_, _, err := e.run(request("hello", nil))
	require.NoError(t, err)
	instr := pl.overrides[0].Instructions
	assert.Contains(t, instr, "- A: does a")
	assert.Contains(t, instr, "- B: does b")
	assert.Contains(t, instr, "- FALLBACK_AGENT:")
	assert.NotContains(t, instr, "- PLANNER_AGENT")
	assert.True(t, pl.overrides[0].JSONResponse)
}

func TestInitializeIsIdempotent(t *testing.T) {
	e := newEnv(t, Options{}, says(domain.KindPlanner, planOf("A")), says(domain.KindFallback, "fb"), says("A", "alpha"))
	require.NoError(t, e.orch.Initialize(context.Background(), "t1"))
	_, th1, err := e.orch.agentFor("A")
	require.NoError(t, err)
	require.NoError(t, e.orch.Initialize(context.Background(), "t1"))
	_, th2, err := e.orch.agentFor("A")
	require.NoError(t, err)
	assert.Same(t, th1, th2)
}

func TestInitializeFailure(t *testing.T) {
	e := newEnv(t, Options{}, says(domain.KindPlanner, planOf("A")), says(domain.KindFallback, "fb"))
	e.orch.cfg.Agents["SUMMARY_AGENT"] = runtimeconfig.AgentConfig{Name: "SUMMARY_AGENT"}

	_, resp, err := e.run(request("hello", nil))
	assert.ErrorIs(t, err, domain.ErrAgentCreation)
	require.NotNil(t, resp.Error)
	assert.True(t, resp.Error.Retry)
}

func TestRunAfterClose(t *testing.T) {
	e := newEnv(t, Options{}, says(domain.KindPlanner, planOf("A")), says(domain.KindFallback, "fb"))
	require.NoError(t, e.orch.Close(context.Background()))
	require.NoError(t, e.orch.Close(context.Background()))

	_, resp, err := e.run(request("hello", nil))
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
	assert.NotNil(t, resp.Error)
}

func TestUpdatesArriveInOrder(t *testing.T) {
	viz := newScript(domain.KindVisualization, func(context.Context, []domain.Message) (*domain.AgentResponse, error) {
		return &domain.AgentResponse{}, nil
	})
	viz.variant = domain.VariantHosted
	e := newEnv(t, Options{}, says(domain.KindPlanner, planOf("VISUALIZATION_AGENT", "A", "VISUALIZATION_AGENT")), says(domain.KindFallback, "fb"), says("A", "alpha"), viz)

	updates, _, err := e.run(request("two charts", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Planning...",
		"Executing plan with 3 steps: VISUALIZATION_AGENT, A, VISUALIZATION_AGENT",
		"Generating visualization...",
		"Generating visualization...",
	}, updates)
}

func TestSessionBuilderResolvesConfigVersion(t *testing.T) {
	agents := []*scriptAgent{says(domain.KindPlanner, planOf("A")), says(domain.KindFallback, "fb"), says("A", "alpha")}
	e := newEnv(t, Options{}, agents...)
	resolver := runtimeconfig.NewResolver(e.bus, testConfig(agents), logger.Discard())

	published := testConfig(agents)
	published.VersionID = ""
	require.NoError(t, resolver.Publish(context.Background(), "v2", published, time.Minute))

	build := NewSessionBuilder(resolver, e.deps, Options{})
	req := request("hello", map[string]any{domain.MetaConfigVersion: "v2"})
	req.SessionID = "s2"
	o, err := build(context.Background(), req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close(context.Background()) })

	orch, ok := o.(*Orchestrator)
	require.True(t, ok)
	assert.Equal(t, "v2", orch.Config().VersionID)

	o2, err := build(context.Background(), request("hello", nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = o2.Close(context.Background()) })
	assert.Equal(t, "test", o2.(*Orchestrator).Config().VersionID)
}

func TestSessionSetupFailureIsReportedByRun(t *testing.T) {
	agents := []*scriptAgent{says(domain.KindPlanner, planOf("A")), says(domain.KindFallback, "fb")}
	e := newEnv(t, Options{}, agents...)
	cfg := testConfig(agents)
	cfg.Agents["A"] = runtimeconfig.AgentConfig{Name: "A"}
	resolver := runtimeconfig.NewResolver(e.bus, cfg, logger.Discard())

	o, err := NewSessionBuilder(resolver, e.deps, Options{})(context.Background(), request("hello", nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close(context.Background()) })

	for i := 0; i < 2; i++ {
		err = o.Run(context.Background(), request("hello", nil))
		assert.ErrorIs(t, err, domain.ErrAgentCreation)
		_, finals := e.collect(50 * time.Millisecond)
		require.Len(t, finals, 1)
		require.NotNil(t, finals[0].Error)
		assert.True(t, finals[0].Error.Retry)
	}
}

func TestSessionSetupIsBoundedByRunTimeout(t *testing.T) {
	agents := []*scriptAgent{says(domain.KindPlanner, planOf("A")), says(domain.KindFallback, "fb")}
	e := newEnv(t, Options{}, agents...)

	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	stuck := func(context.Context, agent.Spec, *runtimeconfig.ResolvedConfig, runtimeconfig.AgentConfig) (domain.Agent, error) {
		<-hang
		return nil, errors.New("registration abandoned")
	}
	deps := e.deps
	deps.Factory = agent.NewFactory(stuck, agent.DefaultSpecs(), logger.Discard())
	resolver := runtimeconfig.NewResolver(e.bus, testConfig(agents), logger.Discard())
	build := NewSessionBuilder(resolver, deps, Options{RunTimeout: 50 * time.Millisecond})

	pool := worker.NewPool(e.bus, e.bus, session.NewRegistry(nil, logger.Discard()), session.NewLocker(), build, worker.Config{}, nil, logger.Discard())
	payload, err := request("hello", nil).Encode()
	require.NoError(t, err)

	start := time.Now()
	processed := make(chan struct{})
	go func() {
		pool.Process(context.Background(), payload)
		close(processed)
	}()

	_, finals := e.collect(50 * time.Millisecond)
	require.Len(t, finals, 1)
	require.NotNil(t, finals[0].Error)
	assert.True(t, finals[0].Error.Retry)
	assert.Equal(t, 504, finals[0].Error.StatusCode)
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("worker still holds the task")
	}
}

func TestTimedOutRunLeavesSessionUntouched(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	active, peak := 0, 0
	var a *scriptAgent
	a = newScript("A", func(context.Context, []domain.Message) (*domain.AgentResponse, error) {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()
		defer func() {
			mu.Lock()
			active--
			mu.Unlock()
		}()
		if a.callCount() == 1 {
			<-release
			return domain.TextResponse("too late"), nil
		}
		return domain.TextResponse("fine"), nil
	})
	e := newEnv(t, Options{RunTimeout: 200 * time.Millisecond}, says(domain.KindPlanner, planOf("A")), says(domain.KindFallback, "fb"), a)

	err := e.orch.Run(context.Background(), request("first", nil))
	assert.ErrorIs(t, err, domain.ErrTimeout)
	_, finals := e.collect(50 * time.Millisecond)
	require.Len(t, finals, 1)
	assert.Empty(t, e.orch.History(), "a timed-out request is not recorded")

	time.AfterFunc(20*time.Millisecond, func() { close(release) })
	_, resp, err := e.run(request("second", nil))
	require.NoError(t, err)
	assert.Equal(t, "fine\n\n", resp.Answer.AnswerString)

	history := e.orch.History()
	require.Len(t, history, 2)
	assert.Equal(t, "second", history[0].Content)
	assert.Equal(t, "fine\n\n", history[1].Content)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak, "an abandoned run never overlaps the next one")
}
