package domain

import (
	"context"
	"strings"
)

// AgentKind names a kind of agent the factory can build. Plans carry kinds.
type AgentKind string

const (
	KindPlanner         AgentKind = "PLANNER_AGENT"
	KindFallback        AgentKind = "FALLBACK_AGENT"
	KindVisualization   AgentKind = "VISUALIZATION_AGENT"
	KindComparator      AgentKind = "COMPARATOR_AGENT"
	KindResearcher      AgentKind = "RESEARCHER_AGENT"
	KindReportGenerator AgentKind = "REPORT_GENERATOR_AGENT"
	KindSentiment       AgentKind = "SENTIMENT_AGENT"
	KindPostCall        AgentKind = "POST_CALL_AGENT"
	KindSummary         AgentKind = "SUMMARY_AGENT"
)

// fallbackAliases are spellings of the fallback sentinel accepted from
// planner output.
var fallbackAliases = map[string]struct{}{
	"fallbackagent":  {},
	"fallback_agent": {},
	"fallback":       {},
}

// ParseAgentKind normalizes a name emitted by a planner. Fallback aliases map
// to KindFallback; any other name is upper-cased and trimmed. Whether the
// kind exists is the factory's call.
func ParseAgentKind(name string) AgentKind {
	n := strings.TrimSpace(name)
	if _, ok := fallbackAliases[strings.ToLower(n)]; ok {
		return KindFallback
	}
	return AgentKind(strings.ToUpper(n))
}

func (k AgentKind) String() string { return string(k) }

// Capability is a bit set of the operations an agent supports.
type Capability uint8

const (
	CapInvoke Capability = 1 << iota
	CapMemoryStore
	CapMemorySearch
)

// Has reports whether every bit of o is set.
func (c Capability) Has(o Capability) bool { return c&o == o }

// ThreadVariant selects local or server-side conversation threads.
type ThreadVariant string

const (
	VariantLocal  ThreadVariant = "local"
	VariantHosted ThreadVariant = "hosted"
)

// RuntimeOverrides carries per-invocation settings from the resolved config.
// Singleton agents keep no per-call state; everything call-specific arrives
// here or on the thread.
type RuntimeOverrides struct {
	Instructions        string
	Model               string
	Temperature         *float64
	TopP                *float64
	MaxTokens           int
	MaxCompletionTokens int
	JSONResponse        bool
	Grounding           bool
}

// Agent is a component exposing a single invoke operation against a thread.
type Agent interface {
	Kind() AgentKind
	Variant() ThreadVariant
	Capabilities() Capability
	Invoke(ctx context.Context, messages []Message, thread Thread, overrides *RuntimeOverrides) (*AgentResponse, error)
}

// MemoryAgent is an Agent with the memory capabilities set.
type MemoryAgent interface {
	Agent
	MemoryStore(ctx context.Context, rec MemoryRecord) (string, error)
	MemorySearch(ctx context.Context, q MemorySearch) ([]MemoryResult, error)
}

// Closer is implemented by agents that hold remote resources.
type Closer interface {
	Close(ctx context.Context) error
}

// ContentKind discriminates AgentResponse items.
type ContentKind string

const (
	ContentText          ContentKind = "text"
	ContentFileReference ContentKind = "file_reference"
	ContentAnnotation    ContentKind = "annotation"
)

// ContentItem is one item of an agent's output.
type ContentItem struct {
	Kind     ContentKind `json:"kind"`
	Text     string      `json:"text,omitempty"`
	FileID   string      `json:"file_id,omitempty"`
	FileName string      `json:"file_name,omitempty"`
	URL      string      `json:"url,omitempty"`
	Title    string      `json:"title,omitempty"`
}

// TextItem returns a text content item.
func TextItem(s string) ContentItem { return ContentItem{Kind: ContentText, Text: s} }

// FileItem returns a file reference content item.
func FileItem(fileID, name string) ContentItem {
	return ContentItem{Kind: ContentFileReference, FileID: fileID, FileName: name}
}

// Metadata key holding a hosted run id.
const MetaRunID = "run_id"

// AgentResponse is the output of an agent invocation.
type AgentResponse struct {
	Items    []ContentItem  `json:"items"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TextResponse builds a response holding a single text item.
func TextResponse(s string) *AgentResponse {
	return &AgentResponse{Items: []ContentItem{TextItem(s)}}
}

// Text concatenates every text item.
func (r *AgentResponse) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, it := range r.Items {
		if it.Kind == ContentText {
			b.WriteString(it.Text)
		}
	}
	return b.String()
}

// FileReferences returns the file reference items in order.
func (r *AgentResponse) FileReferences() []ContentItem {
	if r == nil {
		return nil
	}
	var out []ContentItem
	for _, it := range r.Items {
		if it.Kind == ContentFileReference {
			out = append(out, it)
		}
	}
	return out
}

// RunID returns the hosted run id recorded in metadata, if any.
func (r *AgentResponse) RunID() string {
	if r == nil || r.Metadata == nil {
		return ""
	}
	id, _ := r.Metadata[MetaRunID].(string)
	return id
}
