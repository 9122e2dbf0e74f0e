// Package agent builds and caches the agents a session runs. The factory
// decides per kind whether an instance is shared across the process or owned
// by one session; construction itself is delegated to a Constructor.
package agent

import (
	"agentfabric/internal/domain"
)

// Spec describes how the factory treats an agent kind.
type Spec struct {
	Kind    domain.AgentKind
	Variant domain.ThreadVariant
	// Singleton kinds have one instance per process. Their per-call state
	// lives on the thread and the runtime overrides.
	Singleton bool
	// SharedThread kinds use the session's shared hosted thread instead of
	// a thread of their own.
	SharedThread bool
}

// DefaultSpecs returns the built-in kind table.
func DefaultSpecs() []Spec {
	return []Spec{
		{Kind: domain.KindPlanner, Variant: domain.VariantLocal, Singleton: true},
		{Kind: domain.KindFallback, Variant: domain.VariantLocal, Singleton: true},
		{Kind: domain.KindComparator, Variant: domain.VariantLocal, Singleton: true},
		{Kind: domain.KindResearcher, Variant: domain.VariantHosted, Singleton: true, SharedThread: true},
		{Kind: domain.KindVisualization, Variant: domain.VariantHosted, Singleton: true, SharedThread: true},
		{Kind: domain.KindReportGenerator, Variant: domain.VariantLocal},
		{Kind: domain.KindSentiment, Variant: domain.VariantLocal},
		{Kind: domain.KindPostCall, Variant: domain.VariantLocal},
		{Kind: domain.KindSummary, Variant: domain.VariantLocal},
	}
}
