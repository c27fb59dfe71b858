package validate

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mkoziy/fireincidents/ingester/internal/models"
)

// Kind is the semantic type a source field is coerced to.
type Kind string

const (
	KindText      Kind = "text"
	KindInteger   Kind = "integer"
	KindFloat     Kind = "float"
	KindDate      Kind = "date"
	KindTimestamp Kind = "timestamp"
)

// Policy decides what happens when a field cannot be coerced.
type Policy string

const (
	// PolicyKey rejects the record when the value is missing or invalid.
	PolicyKey Policy = "key"
	// PolicyPosition rejects the record when the value is missing or invalid.
	PolicyPosition Policy = "position"
	// PolicySentinel stores NULL and records the field in coercion_failures.
	PolicySentinel Policy = "sentinel"
)

// Field is one row of the coercion table.
type Field struct {
	Name   string
	Kind   Kind
	Policy Policy
}

// Schema is the coercion table for the fire incidents dataset. Names are
// source field names, which are also the staging column names.
var Schema = []Field{
	{"incident_number", KindText, PolicyKey},
	{"exposure_number", KindText, PolicyKey},
	{models.PositionField, KindTimestamp, PolicyPosition},

	{"id", KindText, PolicySentinel},
	{"call_number", KindText, PolicySentinel},
	{"incident_date", KindDate, PolicySentinel},
	{"alarm_dttm", KindTimestamp, PolicySentinel},
	{"arrival_dttm", KindTimestamp, PolicySentinel},
	{"close_dttm", KindTimestamp, PolicySentinel},
	{"data_as_of", KindTimestamp, PolicySentinel},
	{"data_loaded_at", KindTimestamp, PolicySentinel},

	{"address", KindText, PolicySentinel},
	{"city", KindText, PolicySentinel},
	{"zipcode", KindText, PolicySentinel},
	{"battalion", KindText, PolicySentinel},
	{"station_area", KindText, PolicySentinel},
	{"box", KindText, PolicySentinel},
	{"supervisor_district", KindText, PolicySentinel},
	{"neighborhood_district", KindText, PolicySentinel},
	{"point", KindText, PolicySentinel},

	{"primary_situation", KindText, PolicySentinel},
	{"mutual_aid", KindText, PolicySentinel},
	{"action_taken_primary", KindText, PolicySentinel},
	{"action_taken_secondary", KindText, PolicySentinel},
	{"action_taken_other", KindText, PolicySentinel},
	{"detector_alerted_occupants", KindText, PolicySentinel},
	{"property_use", KindText, PolicySentinel},
	{"number_of_alarms", KindInteger, PolicySentinel},
	{"first_unit_on_scene", KindText, PolicySentinel},

	{"estimated_property_loss", KindFloat, PolicySentinel},
	{"estimated_contents_loss", KindFloat, PolicySentinel},
	{"fire_fatalities", KindInteger, PolicySentinel},
	{"fire_injuries", KindInteger, PolicySentinel},
	{"civilian_fatalities", KindInteger, PolicySentinel},
	{"civilian_injuries", KindInteger, PolicySentinel},

	{"suppression_units", KindInteger, PolicySentinel},
	{"suppression_personnel", KindInteger, PolicySentinel},
	{"ems_units", KindInteger, PolicySentinel},
	{"ems_personnel", KindInteger, PolicySentinel},
	{"other_units", KindInteger, PolicySentinel},
	{"other_personnel", KindInteger, PolicySentinel},

	{"area_of_fire_origin", KindText, PolicySentinel},
	{"ignition_cause", KindText, PolicySentinel},
	{"ignition_factor_primary", KindText, PolicySentinel},
	{"ignition_factor_secondary", KindText, PolicySentinel},
	{"heat_source", KindText, PolicySentinel},
	{"item_first_ignited", KindText, PolicySentinel},
	{"human_factors_associated_with_ignition", KindText, PolicySentinel},
	{"structure_type", KindText, PolicySentinel},
	{"structure_status", KindText, PolicySentinel},
	{"floor_of_fire_origin", KindInteger, PolicySentinel},
	{"fire_spread", KindText, PolicySentinel},
	{"no_flame_spead", KindText, PolicySentinel},
	{"number_of_floors_with_minimum_damage", KindInteger, PolicySentinel},
	{"number_of_floors_with_significant_damage", KindInteger, PolicySentinel},
	{"number_of_floors_with_heavy_damage", KindInteger, PolicySentinel},
	{"number_of_floors_with_extreme_damage", KindInteger, PolicySentinel},
	{"detectors_present", KindText, PolicySentinel},
	{"detector_type", KindText, PolicySentinel},
	{"detector_operation", KindText, PolicySentinel},
	{"detector_effectiveness", KindText, PolicySentinel},
	{"detector_failure_reason", KindText, PolicySentinel},
	{"automatic_extinguishing_system_present", KindText, PolicySentinel},
	{"automatic_extinguishing_sytem_type", KindText, PolicySentinel},
	{"automatic_extinguishing_sytem_perfomance", KindText, PolicySentinel},
	{"automatic_extinguishing_sytem_failure_reason", KindText, PolicySentinel},
	{"number_of_sprinkler_heads_operating", KindInteger, PolicySentinel},
}

// auditColumns are staging columns filled by the engine, not the source.
var auditColumns = map[string]bool{
	"coercion_failures": true,
	"run_id":            true,
	"ingested_at":       true,
}

var (
	timeType    = reflect.TypeOf(time.Time{})
	stringType  = reflect.TypeOf("")
	int64Type   = reflect.TypeOf(int64(0))
	float64Type = reflect.TypeOf(float64(0))
)

// binding ties a schema field to its Incident struct field.
type binding struct {
	Field
	index []int
	ptr   bool
}

var bindings = mustBind(Schema)

// columnIndex maps staging column names to Incident struct field indexes.
func columnIndex() map[string]reflect.StructField {
	out := make(map[string]reflect.StructField)
	typ := reflect.TypeOf(models.Incident{})
	for i := 0; i < typ.NumField(); i++ {
		sf := typ.Field(i)
		tag := sf.Tag.Get("bun")
		if tag == "" || sf.Anonymous {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		out[name] = sf
	}
	return out
}

func mustBind(schema []Field) []binding {
	cols := columnIndex()
	seen := make(map[string]bool, len(schema))
	out := make([]binding, 0, len(schema))
	for _, f := range schema {
		if seen[f.Name] {
			panic(fmt.Sprintf("validate: field %q listed twice", f.Name))
		}
		seen[f.Name] = true

		sf, ok := cols[f.Name]
		if !ok {
			panic(fmt.Sprintf("validate: no staging column for field %q", f.Name))
		}
		typ, ptr := sf.Type, false
		if typ.Kind() == reflect.Pointer {
			typ, ptr = typ.Elem(), true
		}
		if typ != goType(f.Kind) {
			panic(fmt.Sprintf("validate: field %q is %s but column type is %s", f.Name, f.Kind, sf.Type))
		}
		if f.Policy == PolicySentinel && !ptr {
			panic(fmt.Sprintf("validate: sentinel field %q must be nullable", f.Name))
		}
		out = append(out, binding{Field: f, index: sf.Index, ptr: ptr})
	}
	return out
}

func goType(k Kind) reflect.Type {
	switch k {
	case KindInteger:
		return int64Type
	case KindFloat:
		return float64Type
	case KindDate, KindTimestamp:
		return timeType
	default:
		return stringType
	}
}
