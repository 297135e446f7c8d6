package topup

import (
	"context"
	"fmt"
	"path/filepath"

	"mritopup/internal/models"
	"mritopup/pkg/fsl"
	"mritopup/pkg/logger"
	"mritopup/pkg/nifti"
)

// MergedInput is the two-volume topup --imain image built from a pair
type MergedInput struct {
	// Path is the merged image basename (FSL appends the extension)
	Path string

	// References are the single-volume images, one per member
	References [2]string

	// FourD records which members were series
	FourD [2]bool
}

// NormalizeVolumes reduces each member to one volume and merges them in
// pair order. A 4D member contributes its first volume only; a 3D member
// is copied through fslmaths so its header is normalised.
func NormalizeVolumes(ctx context.Context, runner fsl.Runner, pair models.FieldmapPair, topupDir string) (*MergedInput, error) {
	merged := &MergedInput{Path: filepath.Join(topupDir, "topup_vols")}

	for i, image := range pair.Members() {
		out := filepath.Join(topupDir, fmt.Sprintf("Image%d", i+1))
		merged.References[i] = out

		is4D, err := nifti.Is4D(string(image))
		if err != nil {
			return nil, fmt.Errorf("inspecting %s: %w", image, err)
		}
		merged.FourD[i] = is4D

		var cmd []string
		if is4D {
			logger.WithField("file", image.Base()).Info("Using volume 1 of 4D image")
			cmd = []string{"fslroi", string(image), out, "0", "1"}
		} else {
			cmd = []string{"fslmaths", string(image), out}
		}

		if _, err := runner.Run(ctx, cmd); err != nil {
			return nil, fmt.Errorf("extracting reference volume of %s: %w", image, err)
		}
	}

	cmd := []string{"fslmerge", "-t", merged.Path, merged.References[0], merged.References[1]}
	if _, err := runner.Run(ctx, cmd); err != nil {
		return nil, fmt.Errorf("merging reference volumes: %w", err)
	}

	return merged, nil
}
