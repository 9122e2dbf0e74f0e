// Package hosted is a client for a server-side agent platform exposing
// agents, threads, runs, run steps and files (Azure AI Agents), built on the
// openai-go assistants API.
package hosted

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"agentfabric/internal/adapter/llm"
	"agentfabric/internal/domain"
	"agentfabric/internal/infra/config"
	"agentfabric/internal/infra/tracer"
)

// TokenScope is the Entra ID scope for the agent service.
const TokenScope = "https://ai.azure.com/.default"

const maxFileBytes = 32 * 1024 * 1024

// Options configures a Client.
type Options struct {
	Endpoint          string
	APIVersion        string
	APIKey            string
	Credential        azcore.TokenCredential
	HTTPClient        *http.Client
	PollInterval      time.Duration
	RequestsPerSecond float64
	Burst             int
	Breaker           config.CircuitBreakerConfig
}

// Client implements domain.HostedPlatform. Requests are paced by a token
// bucket and guarded by a circuit breaker; the SDK's own retries are off.
type Client struct {
	beta         openai.BetaService
	files        openai.FileService
	limiter      *rate.Limiter
	breaker      *gobreaker.CircuitBreaker[any]
	pollInterval time.Duration
	logger       *slog.Logger
}

// New creates a Client. Either APIKey or Credential must be set.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("hosted: endpoint is required")
	}
	if opts.APIKey == "" && opts.Credential == nil {
		return nil, fmt.Errorf("hosted: api key or credential is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	reqOpts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(opts.Endpoint, "/") + "/"),
		option.WithHTTPClient(opts.HTTPClient),
		option.WithMaxRetries(0),
	}
	if opts.APIVersion != "" {
		reqOpts = append(reqOpts, option.WithQuery("api-version", opts.APIVersion))
	}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, azure.WithAPIKey(opts.APIKey))
	} else {
		reqOpts = append(reqOpts, option.WithMiddleware(bearer(opts.Credential)))
	}

	return &Client{
		beta:         openai.NewBetaService(reqOpts...),
		files:        openai.NewFileService(reqOpts...),
		limiter:      rate.NewLimiter(limit, burst),
		breaker:      llm.NewBreaker[any]("hosted", opts.Breaker, logger),
		pollInterval: opts.PollInterval,
		logger:       logger,
	}, nil
}

// NewFromConfig builds a Client from process configuration, using the
// default Azure credential chain when configured to.
func NewFromConfig(cfg config.HostedConfig, breaker config.CircuitBreakerConfig, logger *slog.Logger) (*Client, error) {
	opts := Options{
		Endpoint:          cfg.Endpoint,
		APIVersion:        cfg.APIVersion,
		APIKey:            cfg.APIKey,
		HTTPClient:        &http.Client{Timeout: cfg.RequestTimeout},
		PollInterval:      cfg.PollInterval,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		Breaker:           breaker,
	}
	if cfg.UseAzureIdentity {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("hosted: azure credential: %w", err)
		}
		opts.Credential = cred
	}
	return New(opts, logger)
}

// bearer authorizes each request with an Entra ID token for TokenScope.
func bearer(cred azcore.TokenCredential) option.Middleware {
	return func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		tok, err := cred.GetToken(req.Context(), policy.TokenRequestOptions{Scopes: []string{TokenScope}})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrAuthInvalid, err)
		}
		req.Header.Set("Authorization", "Bearer "+tok.Token)
		return next(req)
	}
}

// CreateAgent implements domain.HostedPlatform.
func (c *Client) CreateAgent(ctx context.Context, def domain.HostedAgentDefinition) (string, error) {
	a, err := call(ctx, c, func(ctx context.Context) (*openai.Assistant, error) {
		return c.beta.Assistants.New(ctx, toAgentParams(def))
	})
	if err != nil {
		return "", domain.WrapOp("hosted.CreateAgent", err)
	}
	c.logger.Debug("hosted agent created", "name", def.Name, "agent_id", a.ID)
	return a.ID, nil
}

// DeleteAgent implements domain.HostedPlatform.
func (c *Client) DeleteAgent(ctx context.Context, agentID string) error {
	_, err := call(ctx, c, func(ctx context.Context) (*openai.AssistantDeleted, error) {
		return c.beta.Assistants.Delete(ctx, agentID)
	})
	return domain.WrapOp("hosted.DeleteAgent", err)
}

// CreateThread implements domain.HostedPlatform.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	th, err := call(ctx, c, func(ctx context.Context) (*openai.Thread, error) {
		return c.beta.Threads.New(ctx, openai.BetaThreadNewParams{})
	})
	if err != nil {
		return "", domain.WrapOp("hosted.CreateThread", err)
	}
	return th.ID, nil
}

// GetThread implements domain.HostedPlatform.
func (c *Client) GetThread(ctx context.Context, threadID string) (string, error) {
	th, err := call(ctx, c, func(ctx context.Context) (*openai.Thread, error) {
		return c.beta.Threads.Get(ctx, threadID)
	})
	if err != nil {
		return "", domain.WrapOp("hosted.GetThread", err)
	}
	return th.ID, nil
}

// AddMessage implements domain.HostedPlatform.
func (c *Client) AddMessage(ctx context.Context, threadID, role, content string) error {
	_, err := call(ctx, c, func(ctx context.Context) (*openai.Message, error) {
		return c.beta.Threads.Messages.New(ctx, threadID, toMessageParams(role, content))
	})
	return domain.WrapOp("hosted.AddMessage", err)
}

// Run implements domain.HostedPlatform. It polls the run at the configured
// interval until it reaches a terminal status. A run that does not complete
// is returned together with an error describing why.
func (c *Client) Run(ctx context.Context, threadID string, opts domain.HostedRunOptions) (*domain.HostedRun, error) {
	ctx, span := tracer.StartSpan(ctx, "hosted.run",
		trace.WithAttributes(
			tracer.StringAttr("hosted.thread_id", threadID),
			tracer.StringAttr("hosted.agent_id", opts.AgentID),
		),
	)
	defer span.End()

	run, err := call(ctx, c, func(ctx context.Context) (*openai.Run, error) {
		return c.beta.Threads.Runs.New(ctx, threadID, toRunParams(opts))
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("hosted.Run", err)
	}
	span.SetAttributes(tracer.StringAttr("hosted.run_id", run.ID))

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for !isTerminal(string(run.Status)) {
		select {
		case <-ctx.Done():
			err := domain.Join(domain.ErrTimeout, ctx.Err())
			tracer.RecordError(span, err)
			return nil, domain.WrapOp("hosted.Run", err)
		case <-ticker.C:
		}
		runID := run.ID
		run, err = call(ctx, c, func(ctx context.Context) (*openai.Run, error) {
			return c.beta.Threads.Runs.Get(ctx, threadID, runID)
		})
		if err != nil {
			tracer.RecordError(span, err)
			return nil, domain.WrapOp("hosted.Run", err)
		}
	}

	result := toHostedRun(run, threadID)
	if err := runError(result); err != nil {
		tracer.RecordError(span, err)
		return result, err
	}
	tracer.SetOK(span)
	return result, nil
}

// RunOutput implements domain.HostedPlatform. Assistant messages created by
// the run are returned oldest first.
func (c *Client) RunOutput(ctx context.Context, threadID, runID string) ([]domain.ContentItem, error) {
	page, err := call(ctx, c, func(ctx context.Context) ([]openai.Message, error) {
		p, err := c.beta.Threads.Messages.List(ctx, threadID, openai.BetaThreadMessageListParams{
			RunID: openai.String(runID),
			Order: openai.BetaThreadMessageListParamsOrderAsc,
		})
		if err != nil {
			return nil, err
		}
		return p.Data, nil
	})
	if err != nil {
		return nil, domain.WrapOp("hosted.RunOutput", err)
	}

	var items []domain.ContentItem
	for _, m := range page {
		if m.Role != openai.MessageRoleAssistant {
			continue
		}
		if m.RunID != "" && m.RunID != runID {
			continue
		}
		items = append(items, messageItems(m)...)
	}
	return items, nil
}

// ListRunSteps implements domain.HostedPlatform.
func (c *Client) ListRunSteps(ctx context.Context, threadID, runID string) ([]domain.RunStep, error) {
	data, err := call(ctx, c, func(ctx context.Context) ([]openai.RunStep, error) {
		p, err := c.beta.Threads.Runs.Steps.List(ctx, threadID, runID, openai.BetaThreadRunStepListParams{})
		if err != nil {
			return nil, err
		}
		return p.Data, nil
	})
	if err != nil {
		return nil, domain.WrapOp("hosted.ListRunSteps", err)
	}

	steps := make([]domain.RunStep, 0, len(data))
	for _, s := range data {
		steps = append(steps, toRunStep(s))
	}
	return steps, nil
}

// DownloadFile implements domain.HostedPlatform.
func (c *Client) DownloadFile(ctx context.Context, fileID string) (*domain.HostedFile, error) {
	meta, err := call(ctx, c, func(ctx context.Context) (*openai.FileObject, error) {
		return c.files.Get(ctx, fileID)
	})
	if err != nil {
		return nil, domain.WrapOp("hosted.DownloadFile", err)
	}

	out, err := call(ctx, c, func(ctx context.Context) (*domain.HostedFile, error) {
		resp, err := c.files.Content(ctx, fileID)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxFileBytes))
		if err != nil {
			return nil, fmt.Errorf("read file %s: %w", fileID, err)
		}
		return &domain.HostedFile{ID: fileID, ContentType: resp.Header.Get("Content-Type"), Data: data}, nil
	})
	if err != nil {
		return nil, domain.WrapOp("hosted.DownloadFile", err)
	}

	out.Name = meta.Filename
	if out.Name == "" {
		out.Name = fileID
	}
	return out, nil
}

// call paces fn through the limiter and runs it under the circuit breaker,
// mapping platform errors to domain sentinels.
func call[T any](ctx context.Context, c *Client, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := c.limiter.Wait(ctx); err != nil {
		return zero, domain.Join(domain.ErrTimeout, err)
	}
	out, err := c.breaker.Execute(func() (any, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, mapError(ctx, err)
		}
		return v, nil
	})
	if err != nil {
		return zero, llm.BreakerError("hosted platform", err)
	}
	return out.(T), nil
}

// mapError maps an SDK error to a domain sentinel.
func mapError(ctx context.Context, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return mapStatus(apiErr.StatusCode, apiErr.Code, apiErr.Message)
	}
	if ctx.Err() != nil {
		return domain.Join(domain.ErrTimeout, err)
	}
	return err
}

// mapStatus maps an HTTP error status and platform error code to a domain
// sentinel.
func mapStatus(status int, code, message string) error {
	detail := fmt.Sprintf("hosted platform error %d", status)
	if code != "" || message != "" {
		detail += fmt.Sprintf(": %s: %s", code, message)
	}

	switch {
	case strings.Contains(strings.ToLower(code), "content_filter"):
		return fmt.Errorf("%w: %s", domain.ErrContentFilter, detail)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, detail)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case status == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, detail)
	default:
		return errors.New(detail)
	}
}

// runError describes why a terminal run did not complete, or nil.
func runError(run *domain.HostedRun) error {
	if run.Status == domain.RunCompleted {
		return nil
	}
	if run.LastError == nil {
		return fmt.Errorf("hosted run %s ended with status %s", run.ID, run.Status)
	}
	detail := fmt.Sprintf("hosted run %s %s: %s: %s", run.ID, run.Status, run.LastError.Code, run.LastError.Message)
	code := strings.ToLower(run.LastError.Code)
	switch {
	case strings.Contains(code, "rate_limit"):
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case strings.Contains(code, "content_filter"):
		return fmt.Errorf("%w: %s", domain.ErrContentFilter, detail)
	default:
		return errors.New(detail)
	}
}

func isTerminal(status string) bool {
	switch status {
	case domain.RunCompleted, domain.RunFailed, domain.RunCancelled, domain.RunExpired,
		domain.RunIncomplete, domain.RunRequiresAction:
		return true
	default:
		return false
	}
}

var _ domain.HostedPlatform = (*Client)(nil)
