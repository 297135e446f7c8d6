package topup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"

	"mritopup/internal/models"
	"mritopup/pkg/logger"
)

// Router moves corrected files into the destination tree and bundles it
type Router struct {
	WorkDir        string
	DestinationDir string
	OutputDir      string
}

// DestinationPath maps a file under the work dir to the same relative path
// under the destination dir. Files elsewhere land at its top level.
func (r *Router) DestinationPath(path string) string {
	rel, err := filepath.Rel(r.WorkDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Join(r.DestinationDir, filepath.Base(path))
	}
	return filepath.Join(r.DestinationDir, rel)
}

// Route copies each corrected file into the destination tree
func (r *Router) Route(results []models.CorrectionResult) ([]string, error) {
	routed := make([]string, 0, len(results))
	for _, res := range results {
		dst := r.DestinationPath(string(res.Corrected))
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return routed, fmt.Errorf("creating %s: %w", filepath.Dir(dst), err)
		}
		if err := copyFile(string(res.Corrected), dst); err != nil {
			return routed, fmt.Errorf("routing %s: %w", res.Corrected, err)
		}
		routed = append(routed, dst)
	}
	return routed, nil
}

// Archive zips the destination dir into <output>/topup_<name>.zip. Entries
// are prefixed with the destination dir name.
func (r *Router) Archive() (string, error) {
	name := filepath.Base(r.DestinationDir)
	if err := os.MkdirAll(r.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}
	if err := os.MkdirAll(r.DestinationDir, 0755); err != nil {
		return "", fmt.Errorf("creating destination dir: %w", err)
	}
	archive := filepath.Join(r.OutputDir, "topup_"+name+".zip")

	f, err := os.Create(archive)
	if err != nil {
		return "", fmt.Errorf("creating archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})

	err = filepath.Walk(r.DestinationDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(filepath.Dir(r.DestinationDir), path)
		if err != nil {
			return err
		}

		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate

		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		zw.Close()
		return "", fmt.Errorf("archiving %s: %w", r.DestinationDir, err)
	}

	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("finalizing archive: %w", err)
	}

	logger.WithField("archive", archive).Info("Results archived")
	return archive, nil
}

// copyFile copies src to dst following symlinks
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
