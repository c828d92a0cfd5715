package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/openfroyo/devstate/pkg/engine"
	"github.com/openfroyo/devstate/pkg/policy"
)

// Process exit codes.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitNotCompliant = 2
	ExitPolicyDenied = 3
)

// ExitError carries a non-zero exit code for a command that otherwise
// completed; the report has already been written.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// ExitCode maps an Execute error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// runOutcome turns a finished report into its exit error, if any. Policy
// denial takes precedence over non-compliance.
func runOutcome(rep *engine.Report, failOn string) error {
	if blocking := policy.Blocking(rep.Violations, failOn); len(blocking) > 0 {
		return &ExitError{
			Code:    ExitPolicyDenied,
			Message: fmt.Sprintf("%d policy violations at or above %s", len(blocking), failOn),
		}
	}
	if !rep.Summary.Compliant() {
		return &ExitError{
			Code: ExitNotCompliant,
			Message: fmt.Sprintf("intent %s is not compliant: %d missing, %d unknown",
				rep.Intent, rep.Summary.Missing, rep.Summary.Unknown),
		}
	}
	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
