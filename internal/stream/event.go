package stream

import (
	"time"

	"github.com/blackmichael/popular-posts/internal/domain"
)

// passEvent is the JSON message pushed to subscribers after every pass.
type passEvent struct {
	PassID     string                 `json:"pass_id"`
	Query      string                 `json:"query"`
	StartedAt  time.Time              `json:"started_at"`
	DurationMS int64                  `json:"duration_ms"`
	Fetched    int                    `json:"fetched"`
	Report     domain.ReconcileReport `json:"report"`
	OK         bool                   `json:"ok"`
	ErrorKind  string                 `json:"error_kind,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

func newPassEvent(result domain.PassResult) passEvent {
	e := passEvent{
		PassID:     result.ID.String(),
		Query:      result.Query,
		StartedAt:  result.StartedAt,
		DurationMS: result.Duration.Milliseconds(),
		Fetched:    result.Fetched,
		Report:     result.Report,
		OK:         result.OK(),
	}
	if !e.OK {
		e.ErrorKind = domain.ErrorKind(result.Err)
		e.Error = result.Err.Error()
	}
	return e
}
