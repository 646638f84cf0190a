// Package safety defines the pluggable clinical-context check consulted
// before a patient is invited to self-schedule. The engine consumes only the
// verdict; the patient context itself stays opaque.
package safety

import (
	"context"
	"encoding/json"
	"time"
)

// Verdict is the outcome of a clinical-context check.
type Verdict string

const (
	VerdictProceed Verdict = "PROCEED"
	VerdictWarn    Verdict = "WARN"
	VerdictBlock   Verdict = "BLOCK"
)

// Result carries the verdict plus an optional earliest schedulable date.
type Result struct {
	Verdict         Verdict
	MinScheduleDate *time.Time
	Reason          string
}

// Checker evaluates an opaque patient context blob.
type Checker interface {
	Check(ctx context.Context, patientContext json.RawMessage) (Result, error)
}

// PassThrough approves everything. The production safety subsystem replaces
// it without engine changes.
type PassThrough struct{}

func (PassThrough) Check(context.Context, json.RawMessage) (Result, error) {
	return Result{Verdict: VerdictProceed}, nil
}
