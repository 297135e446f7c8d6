// Package qa produces a quick visual and numeric check of a topup
// correction: the middle axial slice of the original and corrected series
// side by side, plus a few similarity metrics.
package qa

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"mritopup/internal/models"
	"mritopup/pkg/logger"
	"mritopup/pkg/nifti"
)

// gap is the blank column count between the two panels
const gap = 4

// Metrics compares the first volume of the original and corrected images.
// Both are rescaled to [0,1] first.
type Metrics struct {
	// RMSE is the root mean square voxel difference
	RMSE float64 `yaml:"rmse"`

	// MeanAbsDiff is the mean absolute voxel difference
	MeanAbsDiff float64 `yaml:"meanAbsDiff"`

	// Correlation is Pearson's r over all voxels
	Correlation float64 `yaml:"correlation"`

	// SSIM is a global structural similarity index
	SSIM float64 `yaml:"ssim"`
}

// Report lists the files written for one comparison
type Report struct {
	Original  string  `yaml:"original"`
	Corrected string  `yaml:"corrected"`
	Image     string  `yaml:"image"`
	Summary   string  `yaml:"-"`
	Slice     int     `yaml:"slice"`
	Metrics   Metrics `yaml:"metrics"`
}

// GenerateReport writes <stem>_topup_qa.jpg and <stem>_topup_qa.yaml into dir
func GenerateReport(original, corrected models.ImagePath, dir string) (*Report, error) {
	orig, err := nifti.ReadFirstVolume(string(original))
	if err != nil {
		return nil, fmt.Errorf("loading original: %w", err)
	}
	corr, err := nifti.ReadFirstVolume(string(corrected))
	if err != nil {
		return nil, fmt.Errorf("loading corrected: %w", err)
	}
	if orig.Nx != corr.Nx || orig.Ny != corr.Ny || orig.Nz != corr.Nz {
		return nil, fmt.Errorf("grid mismatch: %dx%dx%d vs %dx%dx%d",
			orig.Nx, orig.Ny, orig.Nz, corr.Nx, corr.Ny, corr.Nz)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating report dir: %w", err)
	}

	a := normalize(orig.Data)
	b := normalize(corr.Data)

	stem := original.Stem()
	report := &Report{
		Original:  string(original),
		Corrected: string(corrected),
		Image:     filepath.Join(dir, stem+"_topup_qa.jpg"),
		Summary:   filepath.Join(dir, stem+"_topup_qa.yaml"),
		Slice:     orig.Nz / 2,
		Metrics:   Compare(a, b),
	}

	z := report.Slice
	size := orig.Nx * orig.Ny
	panel := sideBySide(a[z*size:(z+1)*size], b[z*size:(z+1)*size], orig.Nx, orig.Ny)
	if err := saveJPEG(report.Image, panel); err != nil {
		return nil, err
	}

	data, err := yaml.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("encoding summary: %w", err)
	}
	if err := os.WriteFile(report.Summary, data, 0644); err != nil {
		return nil, fmt.Errorf("writing summary: %w", err)
	}

	logger.WithField("file", original.Base()).
		WithField("rmse", report.Metrics.RMSE).
		WithField("correlation", report.Metrics.Correlation).
		Info("QA report written")

	return report, nil
}

// Compare computes the metrics of two equally sized voxel arrays
func Compare(original, corrected []float64) Metrics {
	var m Metrics
	n := len(original)
	if n != len(corrected) || n == 0 {
		return m
	}

	var sq, abs float64
	for i := 0; i < n; i++ {
		d := original[i] - corrected[i]
		sq += d * d
		abs += math.Abs(d)
	}
	m.RMSE = math.Sqrt(sq / float64(n))
	m.MeanAbsDiff = abs / float64(n)

	if n > 1 {
		if r := stat.Correlation(original, corrected, nil); !math.IsNaN(r) {
			m.Correlation = r
		}
	}
	m.SSIM = ssim(original, corrected)
	return m
}

// ssim is the single-window structural similarity for data in [0,1]
func ssim(x, y []float64) float64 {
	const k1, k2 = 0.01, 0.03
	c1 := k1 * k1
	c2 := k2 * k2

	if len(x) < 2 {
		return 0
	}

	muX, sigmaX := stat.MeanVariance(x, nil)
	muY, sigmaY := stat.MeanVariance(y, nil)
	sigmaXY := stat.Covariance(x, y, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// normalize rescales data to [0,1]; a constant array maps to zeros
func normalize(data []float64) []float64 {
	out := make([]float64, len(data))
	if len(data) == 0 {
		return out
	}

	lo, hi := data[0], data[0]
	for _, v := range data {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi <= lo {
		return out
	}
	for i, v := range data {
		out[i] = (v - lo) / (hi - lo)
	}
	return out
}

// sideBySide renders two nx*ny planes next to each other. Rows are flipped
// so anterior is up.
func sideBySide(left, right []float64, nx, ny int) image.Image {
	img := image.NewGray16(image.Rect(0, 0, 2*nx+gap, ny))
	for y := 0; y < ny; y++ {
		row := ny - 1 - y
		for x := 0; x < nx; x++ {
			img.SetGray16(x, row, color.Gray16{Y: toGray(left[y*nx+x])})
			img.SetGray16(nx+gap+x, row, color.Gray16{Y: toGray(right[y*nx+x])})
		}
	}
	return img
}

func toGray(v float64) uint16 {
	return uint16(math.Max(0, math.Min(65535, v*65535)))
}

func saveJPEG(path string, img image.Image) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}
	defer file.Close()

	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	return nil
}
