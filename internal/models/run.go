package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Run statuses recorded in the run log.
const (
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// IngestRun tracks ingestion cycles and their outcomes.
type IngestRun struct {
	bun.BaseModel `bun:"table:ingest_runs,alias:r"`

	ID              int64      `bun:"id,pk,autoincrement" json:"id"`
	RunID           string     `bun:"run_id,unique,notnull" json:"run_id"`
	Dataset         string     `bun:"dataset,notnull" json:"dataset"`
	StartTime       time.Time  `bun:"start_time,notnull" json:"start_time"`
	EndTime         *time.Time `bun:"end_time" json:"end_time,omitempty"`
	Status          string     `bun:"status,notnull" json:"status"`
	FailedIn        *string    `bun:"failed_in" json:"failed_in,omitempty"`
	Cause           *string    `bun:"cause" json:"cause,omitempty"`
	Retryable       bool       `bun:"retryable,notnull,default:false" json:"retryable"`
	RecordsFetched  int        `bun:"records_fetched,notnull,default:0" json:"records_fetched"`
	RecordsRejected int        `bun:"records_rejected,notnull,default:0" json:"records_rejected"`
	RowsInserted    int        `bun:"rows_inserted,notnull,default:0" json:"rows_inserted"`
	RowsUpdated     int        `bun:"rows_updated,notnull,default:0" json:"rows_updated"`
	WatermarkBefore *time.Time `bun:"watermark_before" json:"watermark_before,omitempty"`
	WatermarkAfter  *time.Time `bun:"watermark_after" json:"watermark_after,omitempty"`
	ErrorLog        *string    `bun:"error_log" json:"error_log,omitempty"`
	CreatedAt       time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}
