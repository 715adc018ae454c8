package bot

import "time"

// Counters are cumulative since start
type Counters struct {
	TurnsProcessed int64
	RepliesSent    int64
	SendFailures   int64
	LeadsRecorded  int64
	Objections     int64
	TurnsDropped   int64
	TurnsRequeued  int64
	MediaRejected  int64
}

// Status is a point-in-time view of the engine
type Status struct {
	Connected         bool
	ConnectionState   string
	ReconnectAttempts int
	FailureReason     string
	LastQR            string
	LastQRAt          time.Time
	StartedAt         time.Time
	Uptime            time.Duration
	PendingBuffers    int
	Counters          Counters
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	s := Status{
		Connected: e.connected,
		LastQR:    e.lastQR,
		LastQRAt:  e.lastQRAt,
		StartedAt: e.startedAt,
	}
	e.mu.Unlock()

	s.Uptime = time.Since(s.StartedAt)
	s.ConnectionState = e.reconnector.State().String()
	s.ReconnectAttempts = e.reconnector.Attempts()
	s.FailureReason = e.reconnector.Reason()
	s.PendingBuffers = e.buf.Len()
	s.Counters = Counters{
		TurnsProcessed: e.counters.turns.Load(),
		RepliesSent:    e.counters.replies.Load(),
		SendFailures:   e.counters.sendFailures.Load(),
		LeadsRecorded:  e.counters.leads.Load(),
		Objections:     e.counters.objections.Load(),
		TurnsDropped:   e.counters.dropped.Load(),
		TurnsRequeued:  e.counters.requeued.Load(),
		MediaRejected:  e.counters.mediaRejected.Load(),
	}
	return s
}
