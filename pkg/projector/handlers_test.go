package projector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultHandlersCoverEventFamilies(t *testing.T) {
	handlers := defaultHandlers()

	covered := func(eventType string) []string {
		var names []string
		for _, h := range handlers {
			if h.Match(eventType) {
				names = append(names, h.Name)
			}
		}
		return names
	}

	assert.Equal(t, []string{"runs"}, covered("run.completed"))
	assert.Equal(t, []string{"approvals"}, covered("approval.decided"))
	assert.Equal(t, []string{"incidents"}, covered("incident.opened"))
	assert.Equal(t, []string{"messages"}, covered("message.created"))
	assert.Equal(t, []string{"tool_calls"}, covered("tool.call.completed"))
	assert.Equal(t, []string{"artifacts"}, covered("artifact.created"))
	assert.Equal(t, []string{"evidence"}, covered("evidence.manifest.finalized"))
	assert.Equal(t, []string{"scorecards"}, covered("scorecard.recorded"))
	assert.Equal(t, []string{"lessons"}, covered("learning.from_failure"))
	assert.Equal(t, []string{"lessons"}, covered("constraint.learned"))
	assert.Equal(t, []string{"experiments"}, covered("experiment.started"))
	assert.Equal(t, []string{"lifecycle"}, covered("lifecycle.state.changed"))
	assert.Equal(t, []string{"egress_log"}, covered("egress.blocked"))
}

func TestHandlersIgnoreUnrelatedTypes(t *testing.T) {
	for _, h := range defaultHandlers() {
		assert.False(t, h.Match("policy.denied"), "projector %s must not match policy events", h.Name)
		assert.False(t, h.Match("secret.leaked.detected"), "projector %s", h.Name)
	}
}

func TestHandlerNamesUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, h := range defaultHandlers() {
		assert.False(t, seen[h.Name], "duplicate projector name %s", h.Name)
		seen[h.Name] = true
	}
}

func TestWatermarkClauseShape(t *testing.T) {
	clause := watermark("proj_runs")
	assert.Contains(t, clause, "proj_runs.last_event_occurred_at < EXCLUDED.last_event_occurred_at")
	assert.Contains(t, clause, "IS NULL")
}
