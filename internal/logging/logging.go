// Package logging provides the minimal ambient logger shared across the
// driver and engine packages. Verbosity levels and destination configuration
// are a non-goal (spec.md §1); this mirrors the shape spilld itself uses
// (spilldb.Server.Logf, set to log.Printf by cmd/spilld/main.go).
package logging

import (
	"fmt"
	"log"
	"os"
)

// Logf is the logging signature threaded through every component that
// wants to report progress or a non-fatal problem.
type Logf func(format string, args ...interface{})

// Default logs through the standard library logger, same as the teacher's
// cmd/spilld wiring (s.Logf = log.Printf).
func Default() Logf { return log.Printf }

// Discard drops every message; useful for tests that don't want log noise.
func Discard(format string, args ...interface{}) {}

// Alert always prints to stderr regardless of the configured Logf, matching
// spec.md §4.3.2's "ALERT response codes are always printed to stderr
// regardless of verbosity."
func Alert(text string) {
	fmt.Fprintf(os.Stderr, "* ALERT: %s\n", text)
}
