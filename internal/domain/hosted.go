package domain

import "context"

// Hosted run statuses.
const (
	RunQueued         = "queued"
	RunInProgress     = "in_progress"
	RunRequiresAction = "requires_action"
	RunCancelling     = "cancelling"
	RunCancelled      = "cancelled"
	RunFailed         = "failed"
	RunCompleted      = "completed"
	RunExpired        = "expired"
	RunIncomplete     = "incomplete"
)

// HostedAgentDefinition registers a server-side agent.
type HostedAgentDefinition struct {
	Name          string
	Description   string
	Instructions  string
	Model         string
	Temperature   *float64
	TopP          *float64
	Tools         []string
	ToolResources []string
	Metadata      map[string]string
}

// HostedRunOptions are per-run overrides.
type HostedRunOptions struct {
	AgentID             string
	Instructions        string
	Temperature         *float64
	TopP                *float64
	MaxPromptTokens     int
	MaxCompletionTokens int
}

// HostedRunError is the platform's reason for a failed run.
type HostedRunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HostedRun is a terminal run.
type HostedRun struct {
	ID        string
	ThreadID  string
	Status    string
	LastError *HostedRunError
}

// RunStepToolCall is one tool call recorded on a run step. RequestURL is set
// for search-grounding tools.
type RunStepToolCall struct {
	ID         string
	Type       string
	RequestURL string
}

// RunStep is one step of a hosted run.
type RunStep struct {
	ID        string
	Type      string
	ToolCalls []RunStepToolCall
}

// HostedFile is downloaded file content.
type HostedFile struct {
	ID          string
	Name        string
	ContentType string
	Data        []byte
}

// HostedPlatform is a server-side agent platform: agents, threads, runs.
type HostedPlatform interface {
	CreateAgent(ctx context.Context, def HostedAgentDefinition) (string, error)
	DeleteAgent(ctx context.Context, agentID string) error
	CreateThread(ctx context.Context) (string, error)
	// GetThread returns ErrNotFound when the id is unknown.
	GetThread(ctx context.Context, threadID string) (string, error)
	AddMessage(ctx context.Context, threadID, role, content string) error
	// Run creates a run and waits until it reaches a terminal status.
	Run(ctx context.Context, threadID string, opts HostedRunOptions) (*HostedRun, error)
	// RunOutput returns the assistant content produced by a run.
	RunOutput(ctx context.Context, threadID, runID string) ([]ContentItem, error)
	ListRunSteps(ctx context.Context, threadID, runID string) ([]RunStep, error)
	DownloadFile(ctx context.Context, fileID string) (*HostedFile, error)
}
