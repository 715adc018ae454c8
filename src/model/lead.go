package model

import (
	"strings"
	"time"
)

// LeadRecord is a prospective patient worth following up
type LeadRecord struct {
	Phone     string    `json:"phone"`
	Name      string    `json:"name,omitempty"`
	Location  string    `json:"location,omitempty"`
	Symptoms  []string  `json:"symptoms"`
	Source    string    `json:"source"`
	Campaign  string    `json:"campaign,omitempty"`
	Day       string    `json:"day"` // YYYY-MM-DD, local
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ObjectionEvent records a detected objection, never deduplicated
type ObjectionEvent struct {
	ID        string        `json:"id"`
	Phone     string        `json:"phone"`
	Name      string        `json:"name,omitempty"`
	Type      ObjectionType `json:"type"`
	RawText   string        `json:"raw_text"`
	Status    string        `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Offer statuses
const (
	OfferOffered  = "offered"
	OfferAccepted = "accepted"
	OfferRejected = "rejected"
)

// FreeConsultationOffer records an offer made (or answered) after an objection
type FreeConsultationOffer struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name,omitempty"`
	Reason    string    `json:"reason"`
	RawText   string    `json:"raw_text"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// PhoneFromCounterpart strips the transport suffix from a chat id ("51999@c.us" -> "51999")
func PhoneFromCounterpart(counterpartID string) string {
	if i := strings.IndexByte(counterpartID, '@'); i >= 0 {
		return counterpartID[:i]
	}
	return counterpartID
}

// LocalDay formats t as the calendar day in loc
func LocalDay(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format("2006-01-02")
}
