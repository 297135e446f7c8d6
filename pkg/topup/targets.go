package topup

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"mritopup/internal/models"
	"mritopup/pkg/logger"
	"mritopup/pkg/nifti"
)

// TargetOptions are the caller-supplied sources of correction targets
type TargetOptions struct {
	// ApplyTo1 and ApplyTo2 are corrected with rows 1 and 2
	ApplyTo1 string
	ApplyTo2 string

	// IntendedFor is a JSON manifest; the first member's sidecar is read when empty
	IntendedFor string

	// SubjectDir is the root IntendedFor entries are relative to
	SubjectDir string
}

// ResolveTargets lists the series to correct for a pair, in this order:
// 4D members (their own row), apply-to slot 1 (row 1), apply-to slot 2
// (row 2). Only when none of those apply is IntendedFor metadata consulted.
// Metadata that yields no usable file is reported as a KindNoTargets error.
func ResolveTargets(pair models.FieldmapPair, opts TargetOptions) ([]models.TargetAssignment, []Diagnostic, error) {
	var targets []models.TargetAssignment

	for i, image := range pair.Members() {
		is4D, err := nifti.Is4D(string(image))
		if err != nil {
			return nil, nil, fmt.Errorf("inspecting %s: %w", image, err)
		}
		if is4D {
			targets = append(targets, models.TargetAssignment{Image: image, Row: i + 1})
			logger.WithField("file", image.Base()).Info("Will apply topup to 4D fieldmap series")
		}
	}

	for i, path := range []string{opts.ApplyTo1, opts.ApplyTo2} {
		if path == "" {
			continue
		}
		targets = append(targets, models.TargetAssignment{Image: models.ImagePath(path), Row: i + 1})
		logger.WithField("file", filepath.Base(path)).Infof("Will apply topup with acquisition row %d", i+1)
	}

	if len(targets) > 0 {
		return targets, nil, nil
	}

	manifest := opts.IntendedFor
	if manifest == "" {
		manifest = pair.First.Sidecar()
	}

	entries, err := ReadIntendedFor(manifest)
	if err != nil {
		return nil, nil, err
	}

	var diags []Diagnostic
	var files []string
	for _, entry := range entries {
		matches, err := filepath.Glob(filepath.Join(opts.SubjectDir, entry))
		if err != nil {
			return nil, nil, fmt.Errorf("resolving IntendedFor entry %q: %w", entry, err)
		}
		if len(matches) == 0 {
			diags = append(diags, warning(KindTargetNotFound, entry, "IntendedFor entry not found on disk"))
			continue
		}
		files = append(files, matches...)
	}

	assigned, mismatches := AssignAcquisitionRows(files, DirectionToken(string(pair.First)), DirectionToken(string(pair.Second)))
	diags = append(diags, mismatches...)

	if len(assigned) == 0 {
		diags = append(diags, failure(KindNoTargets, manifest, "no files found to apply topup"))
	}

	return assigned, diags, nil
}

// AssignAcquisitionRows maps each file to row 1 when its name contains dir1
// and to row 2 when it contains dir2, ignoring case. Files matching neither
// are dropped with a KindDirectionMismatch warning.
func AssignAcquisitionRows(files []string, dir1, dir2 string) ([]models.TargetAssignment, []Diagnostic) {
	dir1, dir2 = strings.ToLower(dir1), strings.ToLower(dir2)

	var out []models.TargetAssignment
	var diags []Diagnostic
	for _, f := range files {
		name := strings.ToLower(filepath.Base(f))
		switch {
		case dir1 != "" && strings.Contains(name, dir1):
			out = append(out, models.TargetAssignment{Image: models.ImagePath(f), Row: 1})
		case dir2 != "" && strings.Contains(name, dir2):
			out = append(out, models.TargetAssignment{Image: models.ImagePath(f), Row: 2})
		default:
			diags = append(diags, warning(KindDirectionMismatch, f, "unable to apply topup to file"))
		}
	}
	return out, diags
}

// ReadIntendedFor returns the IntendedFor entries of a JSON record. A single
// string is accepted as a one-entry list.
func ReadIntendedFor(path string) ([]string, error) {
	raw, err := readMetadataField(path, "IntendedFor")
	if err != nil {
		return nil, err
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, &DiscoveryError{Path: path, Key: "IntendedFor", Err: err}
	}
	return []string{single}, nil
}
