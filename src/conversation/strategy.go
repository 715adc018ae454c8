package conversation

import (
	"strings"
	"time"

	"leadbot/src/model"
)

// ContextStrategy renders a state into the block prepended to a turn
type ContextStrategy interface {
	BuildContext(state model.ConversationState, greetedToday bool, now time.Time) string
	GetMaxTurns() int
}

// ====================== Reply ======================
// ReplyContextStrategy renders known facts plus the last N history lines
type ReplyContextStrategy struct {
	maxTurns int
	location *time.Location
}

func NewReplyContextStrategy(maxTurns int, location *time.Location) *ReplyContextStrategy {
	if maxTurns <= 0 {
		maxTurns = 10
	}
	if location == nil {
		location = time.Local
	}
	return &ReplyContextStrategy{maxTurns: maxTurns, location: location}
}

func (s *ReplyContextStrategy) GetMaxTurns() int {
	return s.maxTurns
}

func (s *ReplyContextStrategy) BuildContext(state model.ConversationState, greetedToday bool, now time.Time) string {
	var b strings.Builder
	b.WriteString("<conversation_context>\n")

	if greetedToday {
		b.WriteString("Greeting: already greeted today, do not greet again\n")
	} else {
		b.WriteString("Greeting: not greeted today, greet the user briefly\n")
	}
	b.WriteString("Stage: " + string(state.State) + "\n")

	facts := state.Facts
	b.WriteString("Name: " + orUnknown(facts.Name) + "\n")
	b.WriteString("Location: " + orUnknown(facts.Location) + "\n")
	if len(facts.Symptoms) > 0 {
		b.WriteString("Symptoms: " + strings.Join(facts.Symptoms, ", ") + "\n")
	} else {
		b.WriteString("Symptoms: unknown\n")
	}
	if facts.ObjectionType != model.ObjectionNone {
		b.WriteString("Previous objection: " + string(facts.ObjectionType) + "\n")
	}
	if facts.HasShownResistance {
		b.WriteString("Has shown resistance: yes\n")
	}
	if facts.LastAppointment != nil {
		appt := facts.LastAppointment.In(s.location)
		label := "Appointment requested"
		if model.LocalDay(appt, s.location) == model.LocalDay(now, s.location) {
			label = "Appointment requested today"
		}
		b.WriteString(label + ": " + appt.Format("2006-01-02 15:04") + "\n")
	}

	recent := trimTail(state.History, s.maxTurns)
	if len(recent) > 0 {
		b.WriteString("<recent_interactions>\n")
		for _, h := range recent {
			switch h.Role {
			case "user":
				b.WriteString("UserMessage(" + h.Content + ")\n")
			case "assistant":
				b.WriteString("AssistantMessage(" + h.Content + ")\n")
			}
		}
		b.WriteString("</recent_interactions>\n")
	}

	b.WriteString("</conversation_context>")
	return b.String()
}

// Helper function
func trimTail(history []model.HistoryEntry, maxTurns int) []model.HistoryEntry {
	if len(history) <= maxTurns {
		return history
	}
	return history[len(history)-maxTurns:]
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return "unknown"
	}
	return v
}
