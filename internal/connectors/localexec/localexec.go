// Package localexec runs the execution engine as a local subprocess, with an
// allowlist of engine verbs.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/fentz26/hub/internal/connectors"
)

// allowedVerbs defines the strict allowlist of engine subcommands.
var allowedVerbs = map[string]bool{
	"start":  true,
	"stop":   true,
	"status": true,
	"logs":   true,
	"list":   true,
}

// LocalExec implements the Connector interface for local command execution.
type LocalExec struct {
	executable string
	workDir    string
}

// New creates a connector that may only run executable.
func New(executable, workDir string) *LocalExec {
	return &LocalExec{executable: executable, workDir: workDir}
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks that cmd is the configured engine and the verb is known.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	if cmd != l.executable || l.executable == "" {
		return false
	}
	if len(args) == 0 {
		return false
	}
	return allowedVerbs[args[0]]
}

// Execute runs a command if it's in the allowlist.
func (l *LocalExec) Execute(ctx context.Context, cmd string, args []string) (*connectors.ExecResult, error) {
	safeArgs := connectors.RedactArgs(args)
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("command not allowed: %s %s", cmd, strings.Join(safeArgs, " "))
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()

	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return nil, fmt.Errorf("exec error: %w", err)
		}
	}

	return &connectors.ExecResult{
		Command:  cmd,
		Args:     safeArgs,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}
