package socrata

import (
	"fmt"
	"strings"
	"time"
)

// FloatingTimestamp is the SoQL literal layout for floating timestamps.
const FloatingTimestamp = "2006-01-02T15:04:05.000"

// QueryBuilder builds SoQL $where and $order clauses.
type QueryBuilder struct {
	where []string
	order []string
}

// NewQueryBuilder creates a new query builder.
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{}
}

// After keeps rows whose field is strictly greater than ts. A nil ts keeps
// every row that has a value for field.
func (qb *QueryBuilder) After(field string, ts *time.Time) *QueryBuilder {
	if ts == nil {
		qb.where = append(qb.where, fmt.Sprintf("%s IS NOT NULL", field))
		return qb
	}
	qb.where = append(qb.where, fmt.Sprintf("%s > '%s'", field, FormatFloating(*ts)))
	return qb
}

// Where adds a raw SoQL condition.
func (qb *QueryBuilder) Where(clause string) *QueryBuilder {
	if clause = strings.TrimSpace(clause); clause != "" {
		qb.where = append(qb.where, "("+clause+")")
	}
	return qb
}

// OrderBy appends ascending sort fields.
func (qb *QueryBuilder) OrderBy(fields ...string) *QueryBuilder {
	qb.order = append(qb.order, fields...)
	return qb
}

// BuildWhere constructs the $where value.
func (qb *QueryBuilder) BuildWhere() string {
	return strings.Join(qb.where, " AND ")
}

// BuildOrder constructs the $order value.
func (qb *QueryBuilder) BuildOrder() string {
	return strings.Join(qb.order, ", ")
}

// FormatFloating renders t as a SoQL floating timestamp in UTC.
func FormatFloating(t time.Time) string {
	return t.UTC().Format(FloatingTimestamp)
}

// IncrementalQuery returns the filter and total order used to page through
// rows positioned after the watermark. Ties on position are broken by the
// natural key so offsets stay stable between requests.
func IncrementalQuery(positionField string, after *time.Time, extra string) (where, order string) {
	qb := NewQueryBuilder().
		After(positionField, after).
		Where(extra).
		OrderBy(positionField, "incident_number", "exposure_number")
	return qb.BuildWhere(), qb.BuildOrder()
}
