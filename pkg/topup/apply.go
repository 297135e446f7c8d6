package topup

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"mritopup/internal/models"
	"mritopup/pkg/fsl"
)

// CorrectedPrefix marks corrected outputs next to their originals
const CorrectedPrefix = "topup-corrected-"

// CorrectedPath returns where the corrected copy of image is written
func CorrectedPath(image models.ImagePath) models.ImagePath {
	dir := filepath.Dir(string(image))
	return models.ImagePath(filepath.Join(dir, CorrectedPrefix+image.Base()))
}

// ApplyCommand builds the applytopup invocation for one target. Method and
// interpolation are fixed to Jacobian modulation and spline.
func ApplyCommand(target models.TargetAssignment, acqParams, topupBasename string) []string {
	return fsl.BuildCommand("applytopup", []fsl.Arg{
		{Name: "imain", Value: string(target.Image)},
		{Name: "datain", Value: acqParams},
		{Name: "inindex", Value: strconv.Itoa(target.Row)},
		{Name: "topup", Value: topupBasename},
		{Name: "method", Value: "jac"},
		{Name: "interp", Value: "spline"},
		{Name: "out", Value: string(CorrectedPath(target.Image))},
	})
}

// ApplyCorrection runs applytopup once per target. Results are in target order.
func ApplyCorrection(ctx context.Context, runner fsl.Runner, targets []models.TargetAssignment, topupBasename, acqParams string) ([]models.CorrectionResult, error) {
	results := make([]models.CorrectionResult, 0, len(targets))

	for _, target := range targets {
		if _, err := runner.Run(ctx, ApplyCommand(target, acqParams, topupBasename)); err != nil {
			return results, fmt.Errorf("applying topup to %s: %w", target.Image, err)
		}
		results = append(results, models.CorrectionResult{
			Original:  target.Image,
			Corrected: CorrectedPath(target.Image),
			Row:       target.Row,
		})
	}

	return results, nil
}
