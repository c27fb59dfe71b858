package models

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestIncidentValidate(t *testing.T) {
	valid := &Incident{
		IncidentNumber:    "21000001",
		ExposureNumber:    "0",
		ResponseTimestamp: time.Date(2021, 1, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid incident, got error: %v", err)
	}

	for name, inc := range map[string]*Incident{
		"missing incident number": {ExposureNumber: "0", ResponseTimestamp: valid.ResponseTimestamp},
		"missing exposure number": {IncidentNumber: "1", ResponseTimestamp: valid.ResponseTimestamp},
		"missing position":        {IncidentNumber: "1", ExposureNumber: "0"},
	} {
		if err := inc.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestNaturalKey(t *testing.T) {
	a := &Incident{IncidentNumber: "A", ExposureNumber: "0"}
	b := &Incident{IncidentNumber: "A", ExposureNumber: "0"}
	if a.Key() != b.Key() {
		t.Fatalf("expected equal keys")
	}
	if got := a.Key().String(); got != "A/0" {
		t.Fatalf("expected A/0, got %s", got)
	}
}

func TestStringArrayRoundTrip(t *testing.T) {
	v, err := StringArray{"city", "zipcode"}.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}

	var fromString StringArray
	if err := fromString.Scan(v); err != nil {
		t.Fatalf("scan string: %v", err)
	}
	if len(fromString) != 2 || fromString[1] != "zipcode" {
		t.Fatalf("unexpected scan result: %v", fromString)
	}

	var fromBytes StringArray
	if err := fromBytes.Scan([]byte(`["city"]`)); err != nil {
		t.Fatalf("scan bytes: %v", err)
	}
	if len(fromBytes) != 1 {
		t.Fatalf("unexpected scan result: %v", fromBytes)
	}

	empty, _ := StringArray(nil).Value()
	if empty != "[]" {
		t.Fatalf("expected [] for empty array, got %v", empty)
	}
}

func TestErrorKind(t *testing.T) {
	cases := []struct {
		err       error
		kind      string
		retryable bool
	}{
		{nil, "", false},
		{fmt.Errorf("fetch page: %w", ErrTransientNetwork), "transient_network", true},
		{fmt.Errorf("%w: 40 of 100 rejected", ErrValidationThreshold), "validation_threshold", false},
		{fmt.Errorf("%w: %w", ErrStorage, fmt.Errorf("disk full")), "storage", false},
		{fmt.Errorf("%w: dataset is required", ErrConfiguration), "configuration", false},
		{fmt.Errorf("%w: bad json", ErrRemoteProtocol), "remote_protocol", false},
		{context.Canceled, "canceled", false},
		{fmt.Errorf("boom"), "unknown", false},
	}
	for _, tc := range cases {
		if got := ErrorKind(tc.err); got != tc.kind {
			t.Fatalf("ErrorKind(%v) = %q, want %q", tc.err, got, tc.kind)
		}
		if got := IsRetryable(tc.err); got != tc.retryable {
			t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.retryable)
		}
	}
}
