package topup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cucumber/godog"
	"github.com/klauspost/compress/zip"

	"mritopup/pkg/fsl"
)

// featureContext holds state for a single scenario
type featureContext struct {
	tmpDir    string
	session   *session
	fieldmaps map[string]float64
	paths     []string
	pairing   PairingResult
	outcome   *Outcome
	err       error
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

func InitializeScenario(sc *godog.ScenarioContext) {
	fc := &featureContext{}

	sc.Before(func(ctx context.Context, s *godog.Scenario) (context.Context, error) {
		tmpDir, err := os.MkdirTemp("", "mritopup-features-*")
		if err != nil {
			return ctx, err
		}
		*fc = featureContext{
			tmpDir:    tmpDir,
			session:   sessionAt(tmpDir),
			fieldmaps: map[string]float64{},
		}
		return ctx, nil
	})

	sc.After(func(ctx context.Context, s *godog.Scenario, err error) (context.Context, error) {
		if fc.tmpDir != "" {
			os.RemoveAll(fc.tmpDir)
		}
		return ctx, nil
	})

	sc.Step(`^the fieldmaps:$`, fc.theFieldmaps)
	sc.Step(`^I locate fieldmap pairs$`, fc.iLocateFieldmapPairs)
	sc.Step(`^there should be (\d+) pairs?$`, fc.thereShouldBePairs)
	sc.Step(`^there should be (\d+) orphaned groups?$`, fc.thereShouldBeOrphans)
	sc.Step(`^there should be (\d+) ambiguous groups?$`, fc.thereShouldBeAmbiguous)

	sc.Step(`^a session with a (dir-\w+) fieldmap read out in ([\d.]+) seconds$`, fc.aFieldmap)
	sc.Step(`^a (dir-\w+) fieldmap read out in ([\d.]+) seconds$`, fc.aFieldmap)
	sc.Step(`^both fieldmaps are intended for "([^"]*)"$`, fc.bothFieldmapsAreIntendedFor)
	sc.Step(`^the series "([^"]*)" exists$`, fc.theSeriesExists)
	sc.Step(`^"([^"]*)" exits with status (\d+)$`, fc.toolExitsWithStatus)
	sc.Step(`^I run the correction$`, fc.iRunTheCorrection)

	sc.Step(`^the exit code should be (\d+)$`, fc.theExitCodeShouldBe)
	sc.Step(`^the run should fail with exit status (\d+)$`, fc.theRunShouldFailWithExitStatus)
	sc.Step(`^the acquisition table should be:$`, fc.theAcquisitionTableShouldBe)
	sc.Step(`^"([^"]*)" should run (\d+) times?$`, fc.toolShouldRun)
	sc.Step(`^"([^"]*)" should be corrected with row (\d+)$`, fc.shouldBeCorrectedWithRow)
	sc.Step(`^the archive should contain "([^"]*)"$`, fc.theArchiveShouldContain)
	sc.Step(`^no archive should be written$`, fc.noArchiveShouldBeWritten)
	sc.Step(`^a "([^"]*)" diagnostic should be reported$`, fc.aDiagnosticShouldBeReported)
}

func (fc *featureContext) theFieldmaps(table *godog.Table) error {
	for i, row := range table.Rows {
		if i == 0 {
			continue
		}
		fc.paths = append(fc.paths, filepath.Join(fc.tmpDir, row.Cells[0].Value))
	}
	return nil
}

func (fc *featureContext) iLocateFieldmapPairs() error {
	fc.pairing = LocateFieldmapPairs(fc.paths)
	return nil
}

func (fc *featureContext) thereShouldBePairs(n int) error {
	if got := len(fc.pairing.Pairs); got != n {
		return fmt.Errorf("expected %d pairs, got %d", n, got)
	}
	return nil
}

func (fc *featureContext) thereShouldBeOrphans(n int) error {
	if got := len(fc.pairing.Orphans); got != n {
		return fmt.Errorf("expected %d orphaned groups, got %d", n, got)
	}
	return nil
}

func (fc *featureContext) thereShouldBeAmbiguous(n int) error {
	if got := len(fc.pairing.Ambiguous); got != n {
		return fmt.Errorf("expected %d ambiguous groups, got %d", n, got)
	}
	return nil
}

func (fc *featureContext) fieldmapPath(dir string) string {
	return filepath.Join(fc.session.fmap, "sub-01_ses-01_"+dir+"_epi.nii.gz")
}

func (fc *featureContext) aFieldmap(dir string, readout float64) error {
	path := fc.fieldmapPath(dir)
	fc.fieldmaps[path] = readout
	return createFieldmap(path, 1, readout, nil)
}

func (fc *featureContext) bothFieldmapsAreIntendedFor(entry string) error {
	for path, readout := range fc.fieldmaps {
		record := map[string]interface{}{
			"TotalReadoutTime": readout,
			"IntendedFor":      []string{entry},
		}
		if err := createJSON(strings.TrimSuffix(path, ".nii.gz")+".json", record); err != nil {
			return err
		}
	}
	return nil
}

func (fc *featureContext) theSeriesExists(entry string) error {
	return createImage(filepath.Join(fc.session.cfg.SubjectDir(), entry), 5)
}

func (fc *featureContext) toolExitsWithStatus(tool string, code int) error {
	fc.session.runner.failTool = tool
	fc.session.runner.failCode = code
	return nil
}

func (fc *featureContext) iRunTheCorrection() error {
	cfg := fc.session.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}
	fc.outcome, fc.err = NewCorrector(cfg, fc.session.runner).Process(context.Background())
	return nil
}

func (fc *featureContext) theExitCodeShouldBe(code int) error {
	got := 1
	if fc.err == nil {
		got = fc.outcome.ExitCode()
	}
	if got != code {
		return fmt.Errorf("expected exit code %d, got %d (err: %v, diagnostics: %v)", code, got, fc.err, fc.outcome.Diagnostics)
	}
	return nil
}

func (fc *featureContext) theRunShouldFailWithExitStatus(code int) error {
	var ee *fsl.ExitError
	if !errors.As(fc.err, &ee) {
		return fmt.Errorf("expected an external command failure, got %v", fc.err)
	}
	if ee.Code != code {
		return fmt.Errorf("expected exit status %d, got %d", code, ee.Code)
	}
	return nil
}

func (fc *featureContext) theAcquisitionTableShouldBe(doc *godog.DocString) error {
	data, err := os.ReadFile(filepath.Join(fc.session.cfg.TopupDir(), AcqParamsFile))
	if err != nil {
		return err
	}
	if string(data) != doc.Content {
		return fmt.Errorf("expected table %q, got %q", doc.Content, string(data))
	}
	return nil
}

func (fc *featureContext) toolShouldRun(tool string, n int) error {
	if got := len(fc.session.runner.calls(tool)); got != n {
		return fmt.Errorf("expected %s to run %d times, ran %d", tool, n, got)
	}
	return nil
}

func (fc *featureContext) shouldBeCorrectedWithRow(name string, row int) error {
	for _, po := range fc.outcome.Pairs {
		for _, res := range po.Results {
			if res.Original.Base() != name {
				continue
			}
			if res.Row != row {
				return fmt.Errorf("%s corrected with row %d, expected %d", name, res.Row, row)
			}
			if _, err := os.Stat(string(res.Corrected)); err != nil {
				return fmt.Errorf("corrected output missing: %w", err)
			}
			return nil
		}
	}
	return fmt.Errorf("%s was not corrected", name)
}

func (fc *featureContext) theArchiveShouldContain(name string) error {
	if fc.outcome == nil || fc.outcome.Archive == "" {
		return errors.New("no archive written")
	}
	zr, err := zip.OpenReader(fc.outcome.Archive)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		if filepath.Base(f.Name) == name {
			return nil
		}
	}
	return fmt.Errorf("archive %s has no entry %s", fc.outcome.Archive, name)
}

func (fc *featureContext) noArchiveShouldBeWritten() error {
	matches, err := filepath.Glob(filepath.Join(fc.session.cfg.Paths.OutputDir, "*.zip"))
	if err != nil {
		return err
	}
	if len(matches) > 0 {
		return fmt.Errorf("unexpected archives %v", matches)
	}
	return nil
}

func (fc *featureContext) aDiagnosticShouldBeReported(kind string) error {
	if len(fc.outcome.Of(DiagnosticKind(kind))) == 0 {
		return fmt.Errorf("no %s diagnostic among %v", kind, fc.outcome.Diagnostics)
	}
	return nil
}
