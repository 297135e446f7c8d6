package topup

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"mritopup/internal/models"
	"mritopup/pkg/logger"
)

// Severity of a non-fatal finding
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityError {
		return "error"
	}
	return "warning"
}

// DiagnosticKind classifies a finding so callers can test for it directly
type DiagnosticKind string

const (
	// KindOrphanedFieldmap is a template group with a single fieldmap
	KindOrphanedFieldmap DiagnosticKind = "orphaned-fieldmap"

	// KindAmbiguousFieldmaps is a template group with three or more fieldmaps
	KindAmbiguousFieldmaps DiagnosticKind = "ambiguous-fieldmaps"

	// KindNoPairs means discovery produced no usable pair at all
	KindNoPairs DiagnosticKind = "no-pairs"

	// KindDirectionUnrecognized is a fieldmap without dir-ap or dir-pa in its
	// name; no acquisition row was written for it
	KindDirectionUnrecognized DiagnosticKind = "direction-unrecognized"

	// KindSameDirectionPair is a pair whose phase-encode vectors do not oppose
	KindSameDirectionPair DiagnosticKind = "same-direction-pair"

	// KindTargetNotFound is an IntendedFor entry with no file on disk
	KindTargetNotFound DiagnosticKind = "target-not-found"

	// KindDirectionMismatch is a target matching neither member's direction token
	KindDirectionMismatch DiagnosticKind = "direction-mismatch"

	// KindNoTargets means metadata was consulted but nothing can be corrected
	KindNoTargets DiagnosticKind = "no-targets"
)

// Diagnostic is a non-fatal finding recorded during a run
type Diagnostic struct {
	Severity Severity
	Kind     DiagnosticKind
	Pair     string
	File     string
	Message  string
}

func (d Diagnostic) String() string {
	s := fmt.Sprintf("%s [%s] %s", d.Severity, d.Kind, d.Message)
	if d.File != "" {
		s += ": " + d.File
	}
	return s
}

func warning(kind DiagnosticKind, file, format string, args ...interface{}) Diagnostic {
	return Diagnostic{Severity: SeverityWarning, Kind: kind, File: file, Message: fmt.Sprintf(format, args...)}
}

func failure(kind DiagnosticKind, file, format string, args ...interface{}) Diagnostic {
	return Diagnostic{Severity: SeverityError, Kind: kind, File: file, Message: fmt.Sprintf(format, args...)}
}

// PairOutcome collects what was produced for one fieldmap pair
type PairOutcome struct {
	Pair     models.FieldmapPair
	Merged   *MergedInput
	Table    *AcquisitionTable
	Estimate *EstimateResult
	Targets  []models.TargetAssignment
	Results  []models.CorrectionResult
	Routed   []string
	Reports  []string
}

// Outcome is the result of a whole run: every diagnostic seen plus the
// per-pair products. Any error-severity diagnostic fails the run.
type Outcome struct {
	RunID       string
	Pairing     PairingResult
	Pairs       []PairOutcome
	Diagnostics []Diagnostic
	Archive     string
}

// Record logs each diagnostic and keeps it
func (o *Outcome) Record(pair string, diags ...Diagnostic) {
	for _, d := range diags {
		if d.Pair == "" {
			d.Pair = pair
		}

		entry := logger.WithFields(logrus.Fields{"kind": string(d.Kind), "run_id": o.RunID})
		if d.Pair != "" {
			entry = entry.WithField("pair", d.Pair)
		}
		if d.File != "" {
			entry = entry.WithField("file", d.File)
		}
		if d.Severity == SeverityError {
			entry.Error(d.Message)
		} else {
			entry.Warn(d.Message)
		}

		o.Diagnostics = append(o.Diagnostics, d)
	}
}

// Failed reports whether any error-severity diagnostic was recorded
func (o *Outcome) Failed() bool {
	return len(o.Errors()) > 0
}

// ExitCode is 1 for a failed run, 0 otherwise
func (o *Outcome) ExitCode() int {
	if o.Failed() {
		return 1
	}
	return 0
}

// Errors returns the error-severity diagnostics in recording order
func (o *Outcome) Errors() []Diagnostic {
	return o.filter(func(d Diagnostic) bool { return d.Severity == SeverityError })
}

// Warnings returns the warning-severity diagnostics in recording order
func (o *Outcome) Warnings() []Diagnostic {
	return o.filter(func(d Diagnostic) bool { return d.Severity == SeverityWarning })
}

// Of returns the diagnostics of one kind
func (o *Outcome) Of(kind DiagnosticKind) []Diagnostic {
	return o.filter(func(d Diagnostic) bool { return d.Kind == kind })
}

func (o *Outcome) filter(keep func(Diagnostic) bool) []Diagnostic {
	var out []Diagnostic
	for _, d := range o.Diagnostics {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

// CorrectedFiles returns every corrected output of the run in order
func (o *Outcome) CorrectedFiles() []string {
	var files []string
	for _, p := range o.Pairs {
		for _, r := range p.Results {
			files = append(files, string(r.Corrected))
		}
	}
	return files
}

var (
	// ErrMissingSidecar is returned when an image has no JSON sidecar
	ErrMissingSidecar = errors.New("sidecar not found")

	// ErrMissingKey is returned when a metadata record lacks a required field
	ErrMissingKey = errors.New("metadata key not found")
)

// DiscoveryError is a fatal lookup failure for an expected file or field
type DiscoveryError struct {
	Path string
	Key  string
	Err  error
}

func (e *DiscoveryError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("reading %s from %s: %v", e.Key, e.Path, e.Err)
	}
	return fmt.Sprintf("reading %s: %v", e.Path, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}
