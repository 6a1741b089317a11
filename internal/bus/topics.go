package bus

import "fmt"

// SubjectEvents is the single subject every hub event is published on; the
// event's own "kind" field (see Event) is what subscribers switch on, not
// the subject name.
const SubjectEvents = "hub.events"

// SubjectAgentOutput carries one agent's raw stderr lines, so an external
// subscriber can key off a single agent's stream without decoding every
// event on SubjectEvents.
func SubjectAgentOutput(agentID string) string {
	return fmt.Sprintf("hub.agent.%s.output", agentID)
}
