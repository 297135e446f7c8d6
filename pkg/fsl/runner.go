// Package fsl runs the external FSL tools the pipeline delegates numerical
// work to. Every invocation is synchronous and returns a Result; a nonzero
// exit is reported as an *ExitError carrying the code and captured stderr.
package fsl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"mritopup/pkg/logger"
)

// Result is the outcome of one external command
type Result struct {
	Command  []string
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExitError reports a command that ran but exited nonzero
type ExitError struct {
	Command []string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Command[0], e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// IsExitError reports whether err wraps an *ExitError
func IsExitError(err error) bool {
	var ee *ExitError
	return errors.As(err, &ee)
}

// Runner executes one external command and waits for it to finish
type Runner interface {
	Run(ctx context.Context, command []string) (Result, error)
}

// ExecRunner runs commands on the host
type ExecRunner struct {
	// Dir is the working directory, the current one when empty
	Dir string
}

// NewExecRunner creates a runner executing in dir
func NewExecRunner(dir string) *ExecRunner {
	return &ExecRunner{Dir: dir}
}

func (r *ExecRunner) Run(ctx context.Context, command []string) (Result, error) {
	if len(command) == 0 {
		return Result{}, errors.New("empty command")
	}

	res := Result{Command: command}
	log := logger.WithField("command", strings.Join(command, " "))
	log.Info("Executing command")

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = r.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	if res.Stdout != "" {
		log.Debug(res.Stdout)
	}

	var exitErr *exec.ExitError
	switch {
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		log.WithFields(logrus.Fields{"exit_code": res.ExitCode, "stderr": res.Stderr}).Error("Command failed")
		return res, &ExitError{Command: command, Code: res.ExitCode, Stderr: res.Stderr}
	case err != nil:
		return res, fmt.Errorf("starting %s: %w", command[0], err)
	}

	return res, nil
}

// DryRunner logs commands without running them
type DryRunner struct {
	// Commands records every command seen, in order
	Commands [][]string
}

func (r *DryRunner) Run(ctx context.Context, command []string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	r.Commands = append(r.Commands, command)
	logger.WithField("command", strings.Join(command, " ")).Info("Dry run, command not executed")
	return Result{Command: command}, nil
}

// Arg is a single long option. An empty Value with Flag set renders as a
// bare --name.
type Arg struct {
	Name  string
	Value string
	Flag  bool
}

// BuildCommand renders a tool invocation as tool --name=value ... with args
// in the order given
func BuildCommand(tool string, args []Arg) []string {
	cmd := []string{tool}
	for _, a := range args {
		if a.Flag {
			cmd = append(cmd, "--"+a.Name)
			continue
		}
		cmd = append(cmd, fmt.Sprintf("--%s=%s", a.Name, a.Value))
	}
	return cmd
}
