package pipeline

import (
	"strings"
	"unicode"

	"leadbot/src/llm/extract"
	"leadbot/src/model"
)

var farewellPhrases = map[string]bool{
	"adios": true, "adiós": true, "chau": true, "chao": true,
	"hasta luego": true, "hasta pronto": true, "hasta mañana": true,
	"no me interesa": true, "no me escribas": true, "gracias por todo": true,
}

// closing words that may surround a farewell without changing its meaning
var farewellFillers = map[string]bool{
	"ok": true, "bueno": true, "listo": true, "gracias": true, "muchas": true,
	"entonces": true, "nada": true, "mas": true, "más": true, "eso": true, "es": true, "todo": true,
}

var appointmentWords = map[string]bool{
	"cita": true, "citas": true, "agendar": true, "agenda": true,
	"reservar": true, "reserva": true, "turno": true, "horario": true, "horarios": true,
}

// NextState derives the flow position from the merged facts and the turn.
// SCHEDULING sticks until the conversation finishes.
func NextState(s model.ConversationState, turn string, r extract.Result) model.State {
	facts := s.Facts
	switch {
	case isFarewell(turn, r):
		return model.StateFinished
	case r.ConsultationResponse() == model.OfferAccepted:
		return model.StateScheduling
	case s.State == model.StateScheduling:
		return model.StateScheduling
	case mentionsAppointment(turn) && len(facts.Symptoms) > 0:
		return model.StateScheduling
	case facts.Name == "":
		return model.StateWaitingName
	case facts.Location == "":
		return model.StateWaitingLocation
	case len(facts.Symptoms) == 0:
		return model.StateWaitingSymptoms
	default:
		return model.StateCollectingInfo
	}
}

// isFarewell matches a turn that is only a goodbye, optionally wrapped in
// closing words. A turn carrying a lead or objection signal never is.
func isFarewell(turn string, r extract.Result) bool {
	if r.ObjectionDetected || r.HasLeadSignal() {
		return false
	}
	words := strings.FieldsFunc(strings.ToLower(turn), func(c rune) bool {
		return !unicode.IsLetter(c)
	})
	// try every window left after dropping filler words from either end
	for i := 0; i < len(words); i++ {
		for j := len(words); j > i; j-- {
			if farewellPhrases[strings.Join(words[i:j], " ")] {
				return true
			}
			if !farewellFillers[words[j-1]] {
				break
			}
		}
		if !farewellFillers[words[i]] {
			break
		}
	}
	return false
}

func mentionsAppointment(turn string) bool {
	words := strings.FieldsFunc(strings.ToLower(turn), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		if appointmentWords[w] {
			return true
		}
	}
	return false
}
