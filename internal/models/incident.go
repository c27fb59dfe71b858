package models

import (
	"errors"
	"time"

	"github.com/uptrace/bun"
)

// PositionField is the source column that orders the dataset and drives
// incremental extraction.
const PositionField = "response_timestamp"

// RawRecord is one untyped row as returned by the open-data API.
type RawRecord map[string]any

// Incident is one fire incident exposure as staged for downstream modeling.
// The pair (IncidentNumber, ExposureNumber) is the natural key.
type Incident struct {
	bun.BaseModel `bun:"table:stg_fire_incidents_raw,alias:i"`

	IncidentNumber    string    `bun:"incident_number,pk,type:varchar(64)" json:"incident_number"`
	ExposureNumber    string    `bun:"exposure_number,pk,type:varchar(64)" json:"exposure_number"`
	ResponseTimestamp time.Time `bun:"response_timestamp,notnull,nullzero" json:"response_timestamp"`

	SourceID   *string `bun:"id" json:"id,omitempty"`
	CallNumber *string `bun:"call_number" json:"call_number,omitempty"`

	IncidentDate *time.Time `bun:"incident_date" json:"incident_date,omitempty"`
	AlarmAt      *time.Time `bun:"alarm_dttm" json:"alarm_dttm,omitempty"`
	ArrivalAt    *time.Time `bun:"arrival_dttm" json:"arrival_dttm,omitempty"`
	CloseAt      *time.Time `bun:"close_dttm" json:"close_dttm,omitempty"`
	DataAsOf     *time.Time `bun:"data_as_of" json:"data_as_of,omitempty"`
	DataLoadedAt *time.Time `bun:"data_loaded_at" json:"data_loaded_at,omitempty"`

	Address              *string `bun:"address" json:"address,omitempty"`
	City                 *string `bun:"city" json:"city,omitempty"`
	Zipcode              *string `bun:"zipcode" json:"zipcode,omitempty"`
	Battalion            *string `bun:"battalion" json:"battalion,omitempty"`
	StationArea          *string `bun:"station_area" json:"station_area,omitempty"`
	Box                  *string `bun:"box" json:"box,omitempty"`
	SupervisorDistrict   *string `bun:"supervisor_district" json:"supervisor_district,omitempty"`
	NeighborhoodDistrict *string `bun:"neighborhood_district" json:"neighborhood_district,omitempty"`
	Point                *string `bun:"point" json:"point,omitempty"`

	PrimarySituation         *string `bun:"primary_situation" json:"primary_situation,omitempty"`
	MutualAid                *string `bun:"mutual_aid" json:"mutual_aid,omitempty"`
	ActionTakenPrimary       *string `bun:"action_taken_primary" json:"action_taken_primary,omitempty"`
	ActionTakenSecondary     *string `bun:"action_taken_secondary" json:"action_taken_secondary,omitempty"`
	ActionTakenOther         *string `bun:"action_taken_other" json:"action_taken_other,omitempty"`
	DetectorAlertedOccupants *string `bun:"detector_alerted_occupants" json:"detector_alerted_occupants,omitempty"`
	PropertyUse              *string `bun:"property_use" json:"property_use,omitempty"`
	NumberOfAlarms           *int64  `bun:"number_of_alarms" json:"number_of_alarms,omitempty"`
	FirstUnitOnScene         *string `bun:"first_unit_on_scene" json:"first_unit_on_scene,omitempty"`

	EstimatedPropertyLoss *float64 `bun:"estimated_property_loss" json:"estimated_property_loss,omitempty"`
	EstimatedContentsLoss *float64 `bun:"estimated_contents_loss" json:"estimated_contents_loss,omitempty"`
	FireFatalities        *int64   `bun:"fire_fatalities" json:"fire_fatalities,omitempty"`
	FireInjuries          *int64   `bun:"fire_injuries" json:"fire_injuries,omitempty"`
	CivilianFatalities    *int64   `bun:"civilian_fatalities" json:"civilian_fatalities,omitempty"`
	CivilianInjuries      *int64   `bun:"civilian_injuries" json:"civilian_injuries,omitempty"`

	SuppressionUnits     *int64 `bun:"suppression_units" json:"suppression_units,omitempty"`
	SuppressionPersonnel *int64 `bun:"suppression_personnel" json:"suppression_personnel,omitempty"`
	EMSUnits             *int64 `bun:"ems_units" json:"ems_units,omitempty"`
	EMSPersonnel         *int64 `bun:"ems_personnel" json:"ems_personnel,omitempty"`
	OtherUnits           *int64 `bun:"other_units" json:"other_units,omitempty"`
	OtherPersonnel       *int64 `bun:"other_personnel" json:"other_personnel,omitempty"`

	AreaOfFireOrigin         *string `bun:"area_of_fire_origin" json:"area_of_fire_origin,omitempty"`
	IgnitionCause            *string `bun:"ignition_cause" json:"ignition_cause,omitempty"`
	IgnitionFactorPrimary    *string `bun:"ignition_factor_primary" json:"ignition_factor_primary,omitempty"`
	IgnitionFactorSecondary  *string `bun:"ignition_factor_secondary" json:"ignition_factor_secondary,omitempty"`
	HeatSource               *string `bun:"heat_source" json:"heat_source,omitempty"`
	ItemFirstIgnited         *string `bun:"item_first_ignited" json:"item_first_ignited,omitempty"`
	HumanFactors             *string `bun:"human_factors_associated_with_ignition" json:"human_factors_associated_with_ignition,omitempty"`
	StructureType            *string `bun:"structure_type" json:"structure_type,omitempty"`
	StructureStatus          *string `bun:"structure_status" json:"structure_status,omitempty"`
	FloorOfFireOrigin        *int64  `bun:"floor_of_fire_origin" json:"floor_of_fire_origin,omitempty"`
	FireSpread               *string `bun:"fire_spread" json:"fire_spread,omitempty"`
	NoFlameSpread            *string `bun:"no_flame_spead" json:"no_flame_spead,omitempty"`
	FloorsMinimumDamage      *int64  `bun:"number_of_floors_with_minimum_damage" json:"number_of_floors_with_minimum_damage,omitempty"`
	FloorsSignificantDamage  *int64  `bun:"number_of_floors_with_significant_damage" json:"number_of_floors_with_significant_damage,omitempty"`
	FloorsHeavyDamage        *int64  `bun:"number_of_floors_with_heavy_damage" json:"number_of_floors_with_heavy_damage,omitempty"`
	FloorsExtremeDamage      *int64  `bun:"number_of_floors_with_extreme_damage" json:"number_of_floors_with_extreme_damage,omitempty"`
	DetectorsPresent         *string `bun:"detectors_present" json:"detectors_present,omitempty"`
	DetectorType             *string `bun:"detector_type" json:"detector_type,omitempty"`
	DetectorOperation        *string `bun:"detector_operation" json:"detector_operation,omitempty"`
	DetectorEffectiveness    *string `bun:"detector_effectiveness" json:"detector_effectiveness,omitempty"`
	DetectorFailureReason    *string `bun:"detector_failure_reason" json:"detector_failure_reason,omitempty"`
	ExtinguishingPresent     *string `bun:"automatic_extinguishing_system_present" json:"automatic_extinguishing_system_present,omitempty"`
	ExtinguishingType        *string `bun:"automatic_extinguishing_sytem_type" json:"automatic_extinguishing_sytem_type,omitempty"`
	ExtinguishingPerformance *string `bun:"automatic_extinguishing_sytem_perfomance" json:"automatic_extinguishing_sytem_perfomance,omitempty"`
	ExtinguishingFailure     *string `bun:"automatic_extinguishing_sytem_failure_reason" json:"automatic_extinguishing_sytem_failure_reason,omitempty"`
	SprinklerHeadsOperating  *int64  `bun:"number_of_sprinkler_heads_operating" json:"number_of_sprinkler_heads_operating,omitempty"`

	// CoercionFailures lists fields whose source value could not be coerced
	// and were stored as NULL.
	CoercionFailures StringArray `bun:"coercion_failures,type:text" json:"coercion_failures,omitempty"`
	RunID            string      `bun:"run_id" json:"run_id,omitempty"`
	IngestedAt       time.Time   `bun:"ingested_at,nullzero,notnull,default:current_timestamp" json:"ingested_at"`
}

// Key returns the natural key as a single comparable value.
func (i *Incident) Key() NaturalKey {
	return NaturalKey{IncidentNumber: i.IncidentNumber, ExposureNumber: i.ExposureNumber}
}

// Validate checks the columns the staging table cannot do without.
func (i *Incident) Validate() error {
	if i.IncidentNumber == "" {
		return errors.New("incident number is required")
	}
	if i.ExposureNumber == "" {
		return errors.New("exposure number is required")
	}
	if i.ResponseTimestamp.IsZero() {
		return errors.New("response timestamp is required")
	}
	return nil
}

// NaturalKey identifies one incident exposure.
type NaturalKey struct {
	IncidentNumber string
	ExposureNumber string
}

func (k NaturalKey) String() string {
	return k.IncidentNumber + "/" + k.ExposureNumber
}

// LoadResult reports how a batch merged into staging.
type LoadResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}
