package cli

import "github.com/opendsc/opendsc/internal/api"

// Process exit codes. Scripts distinguish "your input is wrong" from "you
// are not allowed" from "the server is unreachable".
const (
	ExitOK           = 0
	ExitError        = 1
	ExitValidation   = 2
	ExitAuth         = 3
	ExitConnectivity = 4
)

// ExitCode maps an error onto the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case api.IsValidation(err), api.IsSemVerViolation(err):
		return ExitValidation
	case api.IsUnauthorized(err), api.IsForbidden(err):
		return ExitAuth
	case api.IsTransientIO(err):
		return ExitConnectivity
	default:
		return ExitError
	}
}
