package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Watermark is the highest position committed to staging for a dataset.
type Watermark struct {
	bun.BaseModel `bun:"table:ingest_watermarks,alias:w"`

	Dataset       string    `bun:"dataset,pk,type:varchar(64)" json:"dataset"`
	Position      time.Time `bun:"position,notnull" json:"position"`
	LastSuccessAt time.Time `bun:"last_success_at,notnull" json:"last_success_at"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}
