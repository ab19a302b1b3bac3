// Package thoughtlog is the append-only audit trail of every
// knowledge-affecting event in a task run.
//
// Each entry is one JSON line {timestamp, type, content}. Appends are
// best-effort: a failed write is returned and logged, and callers carry on
// with their own operation regardless.
package thoughtlog

import "sort"

// Kind tags an entry. The set is closed; Append refuses anything else.
type Kind string

const (
	KindTaskExecutionStart          Kind = "task_execution_start"
	KindKnowledgeUpdate             Kind = "knowledge_update"
	KindKnowledgeUpdateRejected     Kind = "knowledge_update_rejected"
	KindTaskInsight                 Kind = "task_insight"
	KindTaskHypothesis              Kind = "task_hypothesis"
	KindHypothesisVerification      Kind = "hypothesis_verification"
	KindHypothesisSimulation        Kind = "hypothesis_simulation"
	KindHypothesisSimulationWarning Kind = "hypothesis_simulation_warning"
	KindHypothesisSimulationError   Kind = "hypothesis_simulation_error"
	KindTaskConclusion              Kind = "task_conclusion"
	KindTaskResultIntegration       Kind = "task_result_integration"
	KindMultiAgentDiscussionRequest Kind = "multi_agent_discussion_request"
	KindTaskExecutionError          Kind = "task_execution_error"
	KindTaskExecutionComplete       Kind = "task_execution_complete"
)

var known = map[Kind]struct{}{
	KindTaskExecutionStart:          {},
	KindKnowledgeUpdate:             {},
	KindKnowledgeUpdateRejected:     {},
	KindTaskInsight:                 {},
	KindTaskHypothesis:              {},
	KindHypothesisVerification:      {},
	KindHypothesisSimulation:        {},
	KindHypothesisSimulationWarning: {},
	KindHypothesisSimulationError:   {},
	KindTaskConclusion:              {},
	KindTaskResultIntegration:       {},
	KindMultiAgentDiscussionRequest: {},
	KindTaskExecutionError:          {},
	KindTaskExecutionComplete:       {},
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := known[k]
	return ok
}

// Kinds returns every known kind, sorted.
func Kinds() []Kind {
	out := make([]Kind, 0, len(known))
	for k := range known {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
