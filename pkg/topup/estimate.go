package topup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"mritopup/pkg/config"
	"mritopup/pkg/fsl"
	"mritopup/pkg/logger"
)

// EstimateOptions selects the topup configuration profile and optional outputs
type EstimateOptions struct {
	ConfigProfile        string
	DisplacementField    bool
	JacobianDeterminants bool
	RigidBodyMatrix      bool
	Verbose              bool
	DebugLevel           int
}

// EstimateOptionsFromConfig copies the topup section of the run configuration
func EstimateOptionsFromConfig(cfg *config.Config) EstimateOptions {
	return EstimateOptions{
		ConfigProfile:        cfg.Inputs.ConfigProfile,
		DisplacementField:    cfg.Topup.DisplacementField,
		JacobianDeterminants: cfg.Topup.JacobianDeterminants,
		RigidBodyMatrix:      cfg.Topup.RigidBodyMatrix,
		Verbose:              cfg.Topup.Verbose,
		DebugLevel:           cfg.Topup.DebugLevel,
	}
}

// EstimateResult names the files topup produces. Basename is what
// applytopup --topup expects. Optional outputs are empty when not requested.
type EstimateResult struct {
	Basename          string
	FieldMap          string
	CorrectedInput    string
	Log               string
	Profile           string
	DisplacementField string
	Jacobian          string
	RigidBody         string
	Command           []string
}

// EstimateCommand builds the topup invocation. Optional outputs appear only
// when enabled; a disabled option is left out rather than set to false.
func EstimateCommand(merged, acqParams, topupDir string, opts EstimateOptions) ([]string, EstimateResult) {
	profile := opts.ConfigProfile
	if profile == "" {
		profile = config.DefaultConfigProfile
	}

	out := filepath.Join(topupDir, "topup")
	res := EstimateResult{
		Basename:       out,
		FieldMap:       filepath.Join(topupDir, "topup-fmap"),
		CorrectedInput: filepath.Join(topupDir, "topup-input-corrected"),
		Log:            filepath.Join(topupDir, "topup-log.txt"),
		Profile:        profile,
	}

	args := []fsl.Arg{
		{Name: "imain", Value: merged},
		{Name: "datain", Value: acqParams},
		{Name: "out", Value: out},
		{Name: "fout", Value: res.FieldMap},
		{Name: "iout", Value: res.CorrectedInput},
		{Name: "logout", Value: res.Log},
		{Name: "config", Value: profile},
	}

	if opts.DisplacementField {
		res.DisplacementField = out + "-dfield"
		args = append(args, fsl.Arg{Name: "dfout", Value: res.DisplacementField})
	}
	if opts.JacobianDeterminants {
		res.Jacobian = out + "-jacdet"
		args = append(args, fsl.Arg{Name: "jacout", Value: res.Jacobian})
	}
	if opts.RigidBodyMatrix {
		res.RigidBody = out + "-rbmat"
		args = append(args, fsl.Arg{Name: "rbmout", Value: res.RigidBody})
	}
	if opts.Verbose {
		args = append(args, fsl.Arg{Name: "verbose", Flag: true})
	}
	if opts.DebugLevel > 0 {
		args = append(args, fsl.Arg{Name: "debug", Value: strconv.Itoa(opts.DebugLevel)})
	}

	res.Command = fsl.BuildCommand("topup", args)
	return res.Command, res
}

// EstimateField runs topup on the merged input
func EstimateField(ctx context.Context, runner fsl.Runner, merged, acqParams, topupDir string, opts EstimateOptions) (*EstimateResult, error) {
	cmd, res := EstimateCommand(merged, acqParams, topupDir, opts)

	profile := config.ResolveProfile(res.Profile)
	if data, err := os.ReadFile(profile); err == nil {
		logger.WithField("config", profile).Infof("Using config settings:\n\n%s\n", data)
	} else {
		logger.WithField("config", profile).Debug("Config profile is resolved by topup")
	}

	if _, err := runner.Run(ctx, cmd); err != nil {
		return nil, fmt.Errorf("running topup: %w", err)
	}

	return &res, nil
}
