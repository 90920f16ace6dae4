// Package connectors defines how the hub reaches external executables.
package connectors

import "context"

// ExecResult holds the result of a command execution. Args are already
// redacted and safe to log.
type ExecResult struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Connector defines the interface for executing commands.
type Connector interface {
	// Name returns the connector identifier.
	Name() string

	// Execute runs a command and returns the result. A non-zero exit is
	// reported through ExitCode, not as an error; the error is reserved for
	// commands that could not be run at all.
	Execute(ctx context.Context, cmd string, args []string) (*ExecResult, error)

	// IsAllowed checks if a command is allowed to execute.
	IsAllowed(cmd string, args []string) bool
}

// SecretFlags lists the flags whose following argument must never be logged.
var SecretFlags = map[string]bool{
	"--git-token": true,
}

const redacted = "[REDACTED]"

// RedactArgs returns a copy of args with secret flag values masked. Both
// "--flag value" and "--flag=value" forms are handled.
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out); i++ {
		a := out[i]
		if SecretFlags[a] && i+1 < len(out) {
			out[i+1] = redacted
			i++
			continue
		}
		for flag := range SecretFlags {
			if len(a) > len(flag)+1 && a[:len(flag)+1] == flag+"=" {
				out[i] = flag + "=" + redacted
			}
		}
	}
	return out
}
