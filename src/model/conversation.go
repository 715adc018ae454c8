package model

import (
	"fmt"
	"strings"
	"time"
)

// State is the position of a counterpart in the conversation flow
type State string

const (
	StateInitial         State = "INITIAL"
	StateWaitingName     State = "WAITING_NAME"
	StateWaitingLocation State = "WAITING_LOCATION"
	StateWaitingSymptoms State = "WAITING_SYMPTOMS"
	StateCollectingInfo  State = "COLLECTING_INFO"
	StateScheduling      State = "SCHEDULING"
	StateFinished        State = "FINISHED"
)

var validStates = map[State]bool{
	StateInitial:         true,
	StateWaitingName:     true,
	StateWaitingLocation: true,
	StateWaitingSymptoms: true,
	StateCollectingInfo:  true,
	StateScheduling:      true,
	StateFinished:        true,
}

// Valid reports whether s is one of the recognized states
func (s State) Valid() bool {
	return validStates[s]
}

// ParseState converts a raw value into a State
func ParseState(raw string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unrecognized conversation state %q", raw)
	}
	return s, nil
}

// ObjectionType classifies a counterpart's resistance
type ObjectionType string

const (
	ObjectionNone        ObjectionType = ""
	ObjectionPrice       ObjectionType = "price"
	ObjectionDisinterest ObjectionType = "disinterest"
	ObjectionComparison  ObjectionType = "comparison"
)

// Valid reports whether o is empty or a known objection type
func (o ObjectionType) Valid() bool {
	switch o {
	case ObjectionNone, ObjectionPrice, ObjectionDisinterest, ObjectionComparison:
		return true
	}
	return false
}

// Facts are the details accumulated about a counterpart
type Facts struct {
	Name               string        `json:"name,omitempty"`
	Location           string        `json:"location,omitempty"`
	Symptoms           []string      `json:"symptoms"`
	ObjectionType      ObjectionType `json:"objection_type,omitempty"`
	HasShownResistance bool          `json:"has_shown_resistance"`
	LastAppointment    *time.Time    `json:"last_appointment,omitempty"` // when the counterpart last moved to scheduling
}

// Flags track once-per-day behaviour
type Flags struct {
	HasBeenGreeted    bool   `json:"has_been_greeted"`
	LeadProcessedDate string `json:"lead_processed_date,omitempty"` // YYYY-MM-DD, local
}

// HistoryEntry is one line of the recent-interaction log
type HistoryEntry struct {
	Role    string    `json:"role"` // user, assistant
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// ConversationState is the single record kept per counterpart
type ConversationState struct {
	CounterpartID string         `json:"counterpart_id"`
	State         State          `json:"state"`
	Facts         Facts          `json:"facts"`
	Flags         Flags          `json:"flags"`
	History       []HistoryEntry `json:"history,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	LastUpdate    time.Time      `json:"last_update"`
}

// NewConversationState returns an INITIAL record stamped at now
func NewConversationState(counterpartID string, now time.Time) ConversationState {
	return ConversationState{
		CounterpartID: counterpartID,
		State:         StateInitial,
		Facts:         Facts{Symptoms: []string{}},
		CreatedAt:     now,
		LastUpdate:    now,
	}
}

// Clone returns a deep copy that shares no slices with s
func (s ConversationState) Clone() ConversationState {
	out := s
	out.Facts.Symptoms = append([]string{}, s.Facts.Symptoms...)
	if s.Facts.LastAppointment != nil {
		t := *s.Facts.LastAppointment
		out.Facts.LastAppointment = &t
	}
	if s.History != nil {
		out.History = append([]HistoryEntry{}, s.History...)
	}
	return out
}

// Patch is a partial update merged into a ConversationState.
// Scalar fields overwrite only when set; Symptoms always append.
type Patch struct {
	Name               string
	Location           string
	Symptoms           []string
	ObjectionType      ObjectionType
	HasShownResistance *bool
	LastAppointment    *time.Time
	HasBeenGreeted     *bool
	LeadProcessedDate  string
}

// Apply merges p into s in place
func (p Patch) Apply(s *ConversationState) {
	if name := strings.TrimSpace(p.Name); name != "" {
		s.Facts.Name = name
	}
	if location := strings.TrimSpace(p.Location); location != "" {
		s.Facts.Location = location
	}
	for _, symptom := range p.Symptoms {
		if symptom = strings.TrimSpace(symptom); symptom != "" {
			s.Facts.Symptoms = append(s.Facts.Symptoms, symptom)
		}
	}
	if p.ObjectionType != ObjectionNone {
		s.Facts.ObjectionType = p.ObjectionType
	}
	if p.HasShownResistance != nil {
		s.Facts.HasShownResistance = *p.HasShownResistance
	}
	if p.LastAppointment != nil {
		t := *p.LastAppointment
		s.Facts.LastAppointment = &t
	}
	if p.HasBeenGreeted != nil {
		s.Flags.HasBeenGreeted = *p.HasBeenGreeted
	}
	if p.LeadProcessedDate != "" {
		s.Flags.LeadProcessedDate = p.LeadProcessedDate
	}
}

// Bool is a helper for optional boolean patch fields
func Bool(v bool) *bool {
	return &v
}
