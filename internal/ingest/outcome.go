package ingest

import (
	"log/slog"
	"time"

	"github.com/mkoziy/fireincidents/ingester/internal/models"
)

// State is a Coordinator state.
type State string

const (
	StateIdle       State = "idle"
	StateExtracting State = "extracting"
	StateValidating State = "validating"
	StateLoading    State = "loading"
	StateCommitting State = "committing"
	StateFailed     State = "failed"
)

// transitions lists the legal moves of the cycle state machine.
var transitions = map[State][]State{
	StateIdle:       {StateExtracting},
	StateExtracting: {StateValidating, StateIdle, StateFailed},
	StateValidating: {StateLoading, StateIdle, StateFailed},
	StateLoading:    {StateCommitting, StateFailed},
	StateCommitting: {StateIdle, StateFailed},
	StateFailed:     {StateExtracting},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome is the structured report of one cycle, emitted on every branch.
type Outcome struct {
	RunID   string `json:"run_id"`
	Dataset string `json:"dataset"`
	Status  string `json:"status"`
	State   State  `json:"state"`

	FailedIn  State  `json:"failed_in,omitempty"`
	Cause     string `json:"cause,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable"`
	Err       error  `json:"-"`

	Fetched    int `json:"fetched"`
	Rejected   int `json:"rejected"`
	Duplicates int `json:"duplicates"`
	Inserted   int `json:"inserted"`
	Updated    int `json:"updated"`

	WatermarkBefore *time.Time `json:"watermark_before,omitempty"`
	WatermarkAfter  *time.Time `json:"watermark_after,omitempty"`

	// Drained is true when the source had no records beyond this batch.
	Drained bool `json:"drained"`
	DryRun  bool `json:"dry_run,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Succeeded reports whether the cycle reached Idle.
func (o Outcome) Succeeded() bool {
	return o.Status == models.RunStatusSucceeded
}

// Advanced reports whether the cycle moved the watermark.
func (o Outcome) Advanced() bool {
	if o.WatermarkAfter == nil {
		return false
	}
	return o.WatermarkBefore == nil || o.WatermarkAfter.After(*o.WatermarkBefore)
}

func (o Outcome) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("run_id", o.RunID),
		slog.String("status", o.Status),
		slog.Int("fetched", o.Fetched),
		slog.Int("rejected", o.Rejected),
		slog.Int("duplicates", o.Duplicates),
		slog.Int("inserted", o.Inserted),
		slog.Int("updated", o.Updated),
		slog.Bool("drained", o.Drained),
		slog.Duration("duration", o.Duration),
	}
	if o.WatermarkBefore != nil {
		attrs = append(attrs, slog.Time("watermark_before", *o.WatermarkBefore))
	}
	if o.WatermarkAfter != nil {
		attrs = append(attrs, slog.Time("watermark_after", *o.WatermarkAfter))
	}
	if o.Status == models.RunStatusFailed {
		attrs = append(attrs,
			slog.String("failed_in", string(o.FailedIn)),
			slog.String("cause", o.Cause),
			slog.Bool("retryable", o.Retryable),
			slog.String("error", o.Error),
		)
	}
	if o.DryRun {
		attrs = append(attrs, slog.Bool("dry_run", true))
	}
	return slog.GroupValue(attrs...)
}

// Run converts the outcome to a run log row.
func (o Outcome) Run() *models.IngestRun {
	end := o.StartedAt.Add(o.Duration)
	run := &models.IngestRun{
		RunID:           o.RunID,
		Dataset:         o.Dataset,
		StartTime:       o.StartedAt,
		EndTime:         &end,
		Status:          o.Status,
		Retryable:       o.Retryable,
		RecordsFetched:  o.Fetched,
		RecordsRejected: o.Rejected,
		RowsInserted:    o.Inserted,
		RowsUpdated:     o.Updated,
		WatermarkBefore: o.WatermarkBefore,
		WatermarkAfter:  o.WatermarkAfter,
	}
	if o.FailedIn != "" {
		s := string(o.FailedIn)
		run.FailedIn = &s
	}
	if o.Cause != "" {
		run.Cause = &o.Cause
	}
	if o.Error != "" {
		run.ErrorLog = &o.Error
	}
	return run
}
