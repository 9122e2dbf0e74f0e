package domain

import "strings"

// Plan is an ordered list of agent kinds produced by the planner.
type Plan struct {
	PlanID        string      `json:"plan_id"`
	Agents        []AgentKind `json:"agents"`
	Justification string      `json:"justification"`
}

// IsFallback reports whether the plan routes straight to the fallback agent.
func (p *Plan) IsFallback() bool {
	if p == nil || len(p.Agents) == 0 {
		return true
	}
	for _, k := range p.Agents {
		if k == KindFallback {
			return true
		}
	}
	return false
}

// Describe renders the plan for progress updates.
func (p *Plan) Describe() string {
	names := make([]string, len(p.Agents))
	for i, k := range p.Agents {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}
