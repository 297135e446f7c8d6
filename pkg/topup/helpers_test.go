package topup

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mritopup/pkg/config"
	"mritopup/pkg/fsl"
	"mritopup/pkg/logger"
	"mritopup/pkg/nifti"
)

func init() {
	logger.SetOutput(io.Discard)
}

// fakeRunner records commands and creates the files FSL would produce
type fakeRunner struct {
	commands [][]string

	// failTool makes every invocation of that tool exit with failCode
	failTool string
	failCode int
}

func (r *fakeRunner) Run(ctx context.Context, command []string) (fsl.Result, error) {
	r.commands = append(r.commands, command)
	res := fsl.Result{Command: command}

	if command[0] == r.failTool {
		res.ExitCode = r.failCode
		res.Stderr = "simulated failure"
		return res, &fsl.ExitError{Command: command, Code: r.failCode, Stderr: res.Stderr}
	}

	switch command[0] {
	case "fslroi", "fslmaths", "fslmerge":
		out := command[2]
		if err := os.WriteFile(out+".nii.gz", nil, 0644); err != nil {
			return res, err
		}
	case "applytopup":
		in, out := option(command, "imain"), option(command, "out")
		data, err := os.ReadFile(in)
		if err != nil {
			return res, err
		}
		if err := os.WriteFile(out, data, 0644); err != nil {
			return res, err
		}
	}
	return res, nil
}

// calls returns the commands run for one tool
func (r *fakeRunner) calls(tool string) [][]string {
	var out [][]string
	for _, c := range r.commands {
		if c[0] == tool {
			out = append(out, c)
		}
	}
	return out
}

// option returns the value of --name=value in a command, or ""
func option(command []string, name string) string {
	prefix := "--" + name + "="
	for _, part := range command {
		if strings.HasPrefix(part, prefix) {
			return strings.TrimPrefix(part, prefix)
		}
	}
	return ""
}

// writeImage writes a small float image; volumes > 1 makes it 4D
func writeImage(t *testing.T, path string, volumes int) {
	t.Helper()
	if err := createImage(path, volumes); err != nil {
		t.Fatalf("Failed to write image %s: %v", path, err)
	}
}

// writeJSON writes a metadata record
func writeJSON(t *testing.T, path string, record map[string]interface{}) {
	t.Helper()
	if err := createJSON(path, record); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

// writeFieldmap writes an image and its sidecar
func writeFieldmap(t *testing.T, path string, volumes int, readout float64, intendedFor []string) {
	t.Helper()
	if err := createFieldmap(path, volumes, readout, intendedFor); err != nil {
		t.Fatalf("Failed to write fieldmap %s: %v", path, err)
	}
}

func createImage(path string, volumes int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	shape := []int{4, 4, 3}
	n := 4 * 4 * 3
	if volumes > 1 {
		shape = append(shape, volumes)
		n *= volumes
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i % 17)
	}
	return nifti.Write(path, shape, data)
}

func createJSON(path string, record map[string]interface{}) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func createFieldmap(path string, volumes int, readout float64, intendedFor []string) error {
	if err := createImage(path, volumes); err != nil {
		return err
	}
	record := map[string]interface{}{"TotalReadoutTime": readout}
	if intendedFor != nil {
		record["IntendedFor"] = intendedFor
	}
	return createJSON(strings.TrimSuffix(path, ".nii.gz")+".json", record)
}

// session is a BIDS subject/session tree under a temp root
type session struct {
	root   string
	cfg    *config.Config
	fmap   string
	funcD  string
	runner *fakeRunner
}

func newSession(t *testing.T) *session {
	t.Helper()
	return sessionAt(t.TempDir())
}

func sessionAt(root string) *session {
	cfg := config.DefaultConfig()
	cfg.Paths.WorkDir = filepath.Join(root, "work")
	cfg.Paths.OutputDir = filepath.Join(root, "output")
	cfg.Paths.InputsDir = filepath.Join(root, "work", "BIDS")
	cfg.Session.Subject = "01"
	cfg.Session.Session = "01"
	cfg.Session.DestinationID = "dest123"

	return &session{
		root:   root,
		cfg:    cfg,
		fmap:   cfg.FieldmapDir(),
		funcD:  filepath.Join(cfg.SubjectDir(), "ses-01", "func"),
		runner: &fakeRunner{},
	}
}

// boldRel is the IntendedFor entry of the standard BOLD series
const boldRel = "ses-01/func/sub-01_ses-01_task-rest_dir-AP_bold.nii.gz"

// standard lays out two 3D fieldmaps and one 4D BOLD series referenced
// through the first fieldmap's IntendedFor
func (s *session) standard(t *testing.T) {
	t.Helper()
	writeFieldmap(t, filepath.Join(s.fmap, "sub-01_ses-01_dir-AP_epi.nii.gz"), 1, 0.05, []string{boldRel})
	writeFieldmap(t, filepath.Join(s.fmap, "sub-01_ses-01_dir-PA_epi.nii.gz"), 1, 0.06, []string{boldRel})
	writeImage(t, filepath.Join(s.cfg.SubjectDir(), boldRel), 5)
}

func (s *session) bold() string {
	return filepath.Join(s.cfg.SubjectDir(), boldRel)
}

func (s *session) process(t *testing.T) (*Outcome, error) {
	t.Helper()
	if err := s.cfg.Validate(); err != nil {
		t.Fatalf("Config rejected: %v", err)
	}
	return NewCorrector(s.cfg, s.runner).Process(context.Background())
}
