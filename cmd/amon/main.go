// Command amon is the local agent platform CLI: it hosts the UI API server,
// submits one-shot runs, and manages sandbox and tool registrations.
package main

import (
	"errors"
	"fmt"
	"os"
)

// validationError marks user-input problems that exit with code 2; every
// other failure is operational and exits 1.
type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func validationf(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ve *validationError
		if errors.As(err, &ve) {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
