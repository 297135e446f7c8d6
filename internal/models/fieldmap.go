package models

import (
	"path/filepath"
	"strings"
)

// ImagePath is a NIfTI image on disk. Its JSON sidecar shares the base name.
type ImagePath string

// Base returns the file name of the image
func (p ImagePath) Base() string {
	return filepath.Base(string(p))
}

// Sidecar returns the path of the JSON metadata record next to the image
func (p ImagePath) Sidecar() string {
	s := string(p)
	switch {
	case strings.HasSuffix(s, ".nii.gz"):
		return strings.TrimSuffix(s, ".nii.gz") + ".json"
	case strings.HasSuffix(s, ".nii"):
		return strings.TrimSuffix(s, ".nii") + ".json"
	}
	return strings.TrimSuffix(s, filepath.Ext(s)) + ".json"
}

// Stem returns the file name without its image extension
func (p ImagePath) Stem() string {
	base := p.Base()
	for _, ext := range []string{".nii.gz", ".nii"} {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext)
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// FieldmapPair holds two fieldmaps that share an acquisition template and
// differ only in phase-encoding direction. First maps to acquisition row 1,
// Second to row 2.
type FieldmapPair struct {
	// Template is the shared label with the direction token removed
	Template string

	First  ImagePath
	Second ImagePath
}

// Members returns the pair in row order
func (p FieldmapPair) Members() [2]ImagePath {
	return [2]ImagePath{p.First, p.Second}
}

// FieldmapGroup is a template group that could not be paired
type FieldmapGroup struct {
	Template string
	Members  []ImagePath
}

// PhaseEncoding is a phase-encoding direction label
type PhaseEncoding string

const (
	AP PhaseEncoding = "AP"
	PA PhaseEncoding = "PA"
)

// Vector returns the phase-encode vector written to the acquisition table
func (pe PhaseEncoding) Vector() [3]float64 {
	switch pe {
	case AP:
		return [3]float64{0, -1, 0}
	case PA:
		return [3]float64{0, 1, 0}
	}
	return [3]float64{}
}

// AcquisitionRow is one line of the acquisition parameter table
type AcquisitionRow struct {
	Vector      [3]float64
	ReadoutTime float64
}

// TargetAssignment is a series that receives the correction, together with
// the 1-based acquisition table row that describes its phase encoding.
type TargetAssignment struct {
	Image ImagePath
	Row   int
}

// CorrectionResult pairs an original series with its corrected output
type CorrectionResult struct {
	Original  ImagePath
	Corrected ImagePath
	Row       int
}
