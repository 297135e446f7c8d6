package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mritopup/pkg/config"
	"mritopup/pkg/fsl"
	"mritopup/pkg/logger"
	"mritopup/pkg/topup"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line arguments
	configPath := flag.String("config", "config.yaml", "YAML configuration file")
	workDir := flag.String("work-dir", "", "Working directory (overrides config)")
	outputDir := flag.String("output-dir", "", "Output directory (overrides config)")
	inputsDir := flag.String("inputs-dir", "", "BIDS root directory (overrides config)")
	subject := flag.String("subject", "", "Subject label without the sub- prefix (overrides config)")
	session := flag.String("session", "", "Session label without the ses- prefix (overrides config)")
	destination := flag.String("destination-id", "", "Destination id naming the result bundle (overrides config)")
	dryRun := flag.Bool("dry-run", false, "Log FSL commands without running them")
	qaReport := flag.Bool("qa", false, "Generate QA reports for corrected files")
	logLevel := flag.String("log-level", "", "Log level (overrides config)")
	writeDefault := flag.String("write-default-config", "", "Write a default configuration file to this path and exit")
	flag.Parse()

	if *writeDefault != "" {
		if err := config.CreateDefaultConfigFile(*writeDefault); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("Default configuration written to %s\n", *writeDefault)
		return 0
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}

	overrides := map[*string]string{
		&cfg.Paths.WorkDir:         *workDir,
		&cfg.Paths.OutputDir:       *outputDir,
		&cfg.Paths.InputsDir:       *inputsDir,
		&cfg.Session.Subject:       *subject,
		&cfg.Session.Session:       *session,
		&cfg.Session.DestinationID: *destination,
		&cfg.Output.LogLevel:       *logLevel,
	}
	for field, value := range overrides {
		if value != "" {
			*field = value
		}
	}
	if *dryRun {
		cfg.Output.DryRun = true
	}
	if *qaReport {
		cfg.Output.QA = true
	}

	logger.Init(cfg.Output.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Error("Configuration rejected")
		return 1
	}

	var runner fsl.Runner = fsl.NewExecRunner(cfg.Paths.WorkDir)
	if cfg.Output.DryRun {
		runner = &fsl.DryRunner{}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.WithField("work_dir", cfg.Paths.WorkDir).Info("Starting topup correction")
	startTime := time.Now()

	outcome, err := topup.NewCorrector(cfg, runner).Process(ctx)
	printDiagnostics(os.Stderr, outcome)
	if err != nil {
		entry := logger.WithError(err)
		var ee *fsl.ExitError
		if errors.As(err, &ee) {
			entry = entry.WithField("exit_code", ee.Code)
		}
		entry.Error("Unable to execute command")
		return 1
	}

	if outcome.Failed() {
		logger.WithField("errors", len(outcome.Errors())).Error("Topup correction failed")
		return outcome.ExitCode()
	}

	logger.WithFields(map[string]interface{}{
		"pairs":     len(outcome.Pairs),
		"corrected": len(outcome.CorrectedFiles()),
		"archive":   outcome.Archive,
		"seconds":   time.Since(startTime).Seconds(),
	}).Info("Topup correction completed")

	return 0
}

// printDiagnostics writes every recorded finding, one per line
func printDiagnostics(w io.Writer, outcome *topup.Outcome) {
	if outcome == nil {
		return
	}
	for _, d := range outcome.Diagnostics {
		fmt.Fprintln(w, d.String())
	}
}
