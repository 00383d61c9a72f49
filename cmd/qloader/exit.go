package main

import (
	"errors"

	"github.com/fyrsmithlabs/qloader/internal/errkind"
	"github.com/fyrsmithlabs/qloader/internal/lifecycle"
)

// Exit codes are part of the CLI contract; automation branches on them.
const (
	exitOK         = 0
	exitFailure    = 1
	exitConfig     = 2
	exitConnection = 3
	exitAuth       = 4
	exitNoProgress = 5
)

// errNoProgress marks an ingest invocation in which zero documents
// succeeded and at least one source errored.
var errNoProgress = errors.New("no documents ingested and at least one source failed")

// exitCode maps an error to the process exit code. Every subcommand
// funnels through this one table so the contract cannot drift.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, errNoProgress) {
		return exitNoProgress
	}
	switch errkind.KindOf(err) {
	case errkind.Config, errkind.InvalidRequest:
		return exitConfig
	case errkind.Auth:
		return exitAuth
	case errkind.Transient, errkind.Server, errkind.NotFound, errkind.State, errkind.Conversion:
		return exitConnection
	case errkind.Cancelled:
		// A second signal exits inside lifecycle before reaching
		// here; a drained interrupt reports the same shell code.
		return lifecycle.SignalExitCode
	default:
		return exitFailure
	}
}
