// Package topup pairs opposite phase-encoded fieldmaps, estimates the
// susceptibility field with FSL topup and applies the correction to every
// series the fieldmaps are intended for.
//
// The pipeline is strictly sequential. For each pair:
// 1. Normalize both fieldmaps to single volumes and merge them
// 2. Build the acquisition parameter table
// 3. Estimate the field with topup
// 4. Resolve the target series and their acquisition rows
// 5. Apply the correction with applytopup
// 6. Route corrected files into the destination tree (and run QA)
//
// Working files under <work>/topup are overwritten by every pair, so pairs
// must not run in parallel against the same work dir.
package topup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mritopup/internal/models"
	"mritopup/pkg/config"
	"mritopup/pkg/fsl"
	"mritopup/pkg/logger"
	"mritopup/pkg/qa"
)

// Corrector runs the whole correction for one subject/session
type Corrector struct {
	cfg    *config.Config
	runner fsl.Runner
	router *Router
}

// NewCorrector creates a corrector for a validated configuration
func NewCorrector(cfg *config.Config, runner fsl.Runner) *Corrector {
	return &Corrector{
		cfg:    cfg,
		runner: runner,
		router: &Router{
			WorkDir:        cfg.Paths.WorkDir,
			DestinationDir: cfg.DestinationDir(),
			OutputDir:      cfg.Paths.OutputDir,
		},
	}
}

// Process runs every pair. A returned error is fatal (missing metadata,
// failed external command); otherwise the Outcome tells whether the run
// failed through recorded diagnostics. The run stops at the first pair that
// fails either way and nothing is archived.
func (c *Corrector) Process(ctx context.Context) (*Outcome, error) {
	outcome := &Outcome{RunID: uuid.New().String()}
	log := logger.WithFields(logrus.Fields{
		"run_id":      outcome.RunID,
		"destination": c.cfg.Session.DestinationID,
	})

	log.Info("Locating opposing phase encoded fieldmap images")
	fmaps, err := c.fieldmaps()
	if err != nil {
		return outcome, err
	}

	outcome.Pairing = LocateFieldmapPairs(fmaps)
	outcome.Record("", outcome.Pairing.Diagnostics()...)
	if len(outcome.Pairing.Pairs) == 0 {
		outcome.Record("", failure(KindNoPairs, c.cfg.FieldmapDir(),
			"no opposing phase encoded fieldmap pairs among %d fieldmaps", len(fmaps)))
		return outcome, nil
	}

	for _, pair := range outcome.Pairing.Pairs {
		po, err := c.processPair(ctx, outcome, pair)
		if po != nil {
			outcome.Pairs = append(outcome.Pairs, *po)
		}
		if err != nil {
			return outcome, fmt.Errorf("pair %s: %w", filepath.Base(pair.Template), err)
		}
		if outcome.Failed() {
			log.WithField("errors", len(outcome.Errors())).Error("Failure: stopping because of logged errors")
			return outcome, nil
		}
	}

	if c.cfg.Output.DryRun {
		log.Info("Dry run, results not archived")
		return outcome, nil
	}

	archive, err := c.router.Archive()
	if err != nil {
		return outcome, fmt.Errorf("archiving results: %w", err)
	}
	outcome.Archive = archive

	return outcome, nil
}

func (c *Corrector) processPair(ctx context.Context, outcome *Outcome, pair models.FieldmapPair) (*PairOutcome, error) {
	label := filepath.Base(pair.Template)
	log := logger.WithFields(logrus.Fields{"run_id": outcome.RunID, "pair": label})
	log.Infof("Using fieldmaps: %s, %s", pair.First.Base(), pair.Second.Base())

	topupDir := c.cfg.TopupDir()
	if err := os.MkdirAll(topupDir, 0755); err != nil {
		return nil, fmt.Errorf("creating topup dir: %w", err)
	}

	po := &PairOutcome{Pair: pair}

	// Step 1
	log.Info("Step 1: Normalizing fieldmap volumes...")
	merged, err := NormalizeVolumes(ctx, c.runner, pair, topupDir)
	if err != nil {
		return po, err
	}
	po.Merged = merged

	// Step 2
	log.Info("Step 2: Building acquisition parameters...")
	table, diags, err := BuildAcquisitionParams(pair, topupDir, c.cfg.Inputs.AcquisitionParameters)
	if err != nil {
		return po, err
	}
	outcome.Record(label, diags...)
	po.Table = table

	// Step 3
	log.Info("Step 3: Running topup...")
	estimate, err := EstimateField(ctx, c.runner, merged.Path, table.Path, topupDir, EstimateOptionsFromConfig(c.cfg))
	if err != nil {
		return po, err
	}
	po.Estimate = estimate

	// Step 4
	log.Info("Step 4: Checking intended-fors...")
	targets, diags, err := ResolveTargets(pair, TargetOptions{
		ApplyTo1:    c.cfg.Inputs.ApplyTo1,
		ApplyTo2:    c.cfg.Inputs.ApplyTo2,
		IntendedFor: c.cfg.Inputs.IntendedFor,
		SubjectDir:  c.cfg.SubjectDir(),
	})
	if err != nil {
		return po, err
	}
	outcome.Record(label, diags...)
	po.Targets = targets

	// Step 5
	log.WithField("targets", len(targets)).Info("Step 5: Applying topup correction...")
	results, err := ApplyCorrection(ctx, c.runner, targets, estimate.Basename, table.Path)
	po.Results = results
	if err != nil {
		return po, err
	}

	if outcome.Failed() || c.cfg.Output.DryRun {
		return po, nil
	}

	// Step 6
	log.Info("Step 6: Routing corrected files...")
	routed, err := c.router.Route(results)
	po.Routed = routed
	if err != nil {
		return po, fmt.Errorf("routing results: %w", err)
	}

	if c.cfg.Output.QA {
		reports, err := c.runQA(results)
		po.Reports = reports
		if err != nil {
			return po, fmt.Errorf("running topup QA: %w", err)
		}
	}

	return po, nil
}

// runQA writes one report per corrected file and, when topup ran with the
// FSL default profile, a provenance copy of it
func (c *Corrector) runQA(results []models.CorrectionResult) ([]string, error) {
	logger.Log.Info("Running topup QA")

	var reports []string
	for _, res := range results {
		report, err := qa.GenerateReport(res.Original, res.Corrected, c.cfg.Paths.OutputDir)
		if err != nil {
			return reports, fmt.Errorf("%s: %w", res.Original.Base(), err)
		}
		reports = append(reports, report.Image)
	}

	if c.cfg.UsesDefaultProfile() {
		src := c.cfg.ProfilePath()
		if _, err := os.Stat(src); err == nil {
			if err := copyFile(src, filepath.Join(c.cfg.Paths.OutputDir, "config_file.txt")); err != nil {
				return reports, fmt.Errorf("saving config profile: %w", err)
			}
		} else {
			logger.WithField("config", src).Info("Default config profile not on disk, not saved")
		}
	}

	return reports, nil
}

// fieldmaps returns the configured fieldmaps or the NIfTI files in the
// session fmap directory
func (c *Corrector) fieldmaps() ([]string, error) {
	if len(c.cfg.Inputs.Fieldmaps) > 0 {
		return c.cfg.Inputs.Fieldmaps, nil
	}

	dir := c.cfg.FieldmapDir()
	matches, err := filepath.Glob(filepath.Join(dir, "*.nii.gz"))
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", dir, err)
	}
	if len(matches) == 0 {
		return nil, &DiscoveryError{Path: dir, Err: os.ErrNotExist}
	}
	sort.Strings(matches)
	return matches, nil
}
