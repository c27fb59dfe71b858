package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"github.com/mkoziy/fireincidents/ingester/internal/models"
)

const (
	DefaultMaxRejectRatio = 0.10
	DefaultMinSample      = 1
)

// Config controls when rejects fail a batch.
type Config struct {
	// MaxRejectRatio is the largest tolerated share of rejected records.
	// Zero tolerates no rejects.
	MaxRejectRatio float64 `yaml:"max_reject_ratio"`
	// MinSample is the batch size from which the ratio is enforced.
	MinSample int `yaml:"min_sample"`
}

// Reject describes a record dropped from the batch.
type Reject struct {
	Index  int    `json:"index"`
	Key    string `json:"key,omitempty"`
	Reason string `json:"reason"`
}

// Result is a typed, deduplicated batch.
type Result struct {
	Incidents  []*models.Incident
	Rejects    []Reject
	Total      int
	Duplicates int
}

// RejectRatio is the share of input records that were rejected.
func (r Result) RejectRatio() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(len(r.Rejects)) / float64(r.Total)
}

// MaxPosition returns the greatest position in the batch.
func (r Result) MaxPosition() (time.Time, bool) {
	var latest time.Time
	for _, inc := range r.Incidents {
		if inc.ResponseTimestamp.After(latest) {
			latest = inc.ResponseTimestamp
		}
	}
	return latest, !latest.IsZero()
}

// Validator types raw records with the coercion table.
type Validator struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a validator. A negative ratio or a non-positive sample size
// takes the default.
func New(cfg Config, logger *slog.Logger) *Validator {
	if cfg.MaxRejectRatio < 0 {
		cfg.MaxRejectRatio = DefaultMaxRejectRatio
	}
	if cfg.MinSample <= 0 {
		cfg.MinSample = DefaultMinSample
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{cfg: cfg, logger: logger}
}

// Validate types every record, drops rejects and keeps one record per natural
// key. When a key repeats, the record with the greatest position wins; on
// equal positions the later record wins. Incidents come back ordered by
// position and key. Exceeding the reject threshold, or rejecting every record
// of a non-empty batch, returns the result along with an error wrapping
// models.ErrValidationThreshold.
func (v *Validator) Validate(ctx context.Context, raws []models.RawRecord) (Result, error) {
	res := Result{Total: len(raws)}
	byKey := make(map[models.NaturalKey]*models.Incident, len(raws))

	for i, raw := range raws {
		inc, err := Record(raw)
		if err != nil {
			rej := Reject{Index: i, Reason: err.Error()}
			if inc != nil {
				rej.Key = inc.Key().String()
			}
			res.Rejects = append(res.Rejects, rej)
			v.logger.DebugContext(ctx, "record rejected", "index", i, "key", rej.Key, "reason", rej.Reason)
			continue
		}

		key := inc.Key()
		if prev, ok := byKey[key]; ok {
			res.Duplicates++
			if inc.ResponseTimestamp.Before(prev.ResponseTimestamp) {
				continue
			}
		}
		byKey[key] = inc
	}

	res.Incidents = make([]*models.Incident, 0, len(byKey))
	for _, inc := range byKey {
		res.Incidents = append(res.Incidents, inc)
	}
	sort.Slice(res.Incidents, func(i, j int) bool {
		a, b := res.Incidents[i], res.Incidents[j]
		if !a.ResponseTimestamp.Equal(b.ResponseTimestamp) {
			return a.ResponseTimestamp.Before(b.ResponseTimestamp)
		}
		if a.IncidentNumber != b.IncidentNumber {
			return a.IncidentNumber < b.IncidentNumber
		}
		return a.ExposureNumber < b.ExposureNumber
	})

	if res.Total > 0 && len(res.Incidents) == 0 {
		return res, fmt.Errorf("%w: all %d records rejected", models.ErrValidationThreshold, res.Total)
	}
	if res.Total >= v.cfg.MinSample && res.RejectRatio() > v.cfg.MaxRejectRatio {
		return res, fmt.Errorf("%w: %d of %d records rejected (%.1f%% > %.1f%%)",
			models.ErrValidationThreshold, len(res.Rejects), res.Total,
			100*res.RejectRatio(), 100*v.cfg.MaxRejectRatio)
	}
	return res, nil
}

// Record types a single raw record. A missing or invalid natural key or
// position rejects the record; the returned incident then carries whatever
// key fields could be read. Any other field that fails coercion is stored as
// NULL and named in CoercionFailures.
func Record(raw models.RawRecord) (*models.Incident, error) {
	inc := &models.Incident{}
	val := reflect.ValueOf(inc).Elem()
	var rejectErr error

	for _, b := range bindings {
		v, err := coerce(b.Kind, raw[b.Name])
		if err != nil {
			switch {
			case b.Policy != PolicySentinel:
				if rejectErr == nil {
					rejectErr = fmt.Errorf("%s: %w", b.Name, err)
				}
			case !errors.Is(err, errMissing):
				inc.CoercionFailures = append(inc.CoercionFailures, b.Name)
			}
			continue
		}

		field := val.FieldByIndex(b.index)
		rv := reflect.ValueOf(v)
		if b.ptr {
			p := reflect.New(rv.Type())
			p.Elem().Set(rv)
			field.Set(p)
		} else {
			field.Set(rv)
		}
	}

	if rejectErr != nil {
		return inc, rejectErr
	}
	return inc, nil
}

// Position reads the ordering position of a raw record.
func Position(raw models.RawRecord) (time.Time, bool) {
	v, err := coerce(KindTimestamp, raw[models.PositionField])
	if err != nil {
		return time.Time{}, false
	}
	return v.(time.Time), true
}
