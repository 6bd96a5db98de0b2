package ota

import (
	"context"
	"errors"
	"net"
	"time"

	"cellnode/internal/bank"
	"cellnode/internal/filexfer"
	"cellnode/internal/firmware"
	"cellnode/internal/ftp"
	"cellnode/internal/modem"
)

// Phase is a state of the update state machine.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseChecking        Phase = "checking"
	PhaseUpToDate        Phase = "up_to_date"
	PhaseUpdateAvailable Phase = "update_available"
	PhaseDownloading     Phase = "downloading"
	PhaseVerifying       Phase = "verifying"
	PhaseApplying        Phase = "applying"
	PhaseRebootPending   Phase = "reboot_pending"
	PhaseFailed          Phase = "failed"
)

// Phases lists every phase in pipeline order.
var Phases = []Phase{
	PhaseIdle, PhaseChecking, PhaseUpToDate, PhaseUpdateAvailable,
	PhaseDownloading, PhaseVerifying, PhaseApplying, PhaseRebootPending, PhaseFailed,
}

// Reason explains a failed attempt.
type Reason string

const (
	ReasonNetwork      Reason = "network/timeout"
	ReasonRejected     Reason = "rejected by modem"
	ReasonSizeMismatch Reason = "transfer size mismatch"
	ReasonVerification Reason = "verification failure"
)

// State is a snapshot of the update state machine.
type State struct {
	Phase  Phase          `json:"phase"`
	Reason Reason         `json:"reason,omitempty"`
	Local  firmware.Info  `json:"local"`
	Remote *firmware.Info `json:"remote,omitempty"`
	// Offset is the number of image bytes staged for Remote.
	Offset  int64     `json:"offset"`
	Err     string    `json:"error,omitempty"`
	Changed time.Time `json:"changed"`
}

// reasonFor maps an error from any pipeline step onto a failure reason.
// Errors from the link and the update server are network failures; local
// failures (manifest, digest, image banks, state store) are verification
// failures.
func reasonFor(err error) Reason {
	var (
		te *filexfer.TransferError
		fe *ftp.Error
		ne net.Error
	)
	switch {
	case errors.As(err, &te), errors.Is(err, bank.ErrSizeMismatch):
		return ReasonSizeMismatch
	case errors.Is(err, modem.ErrRejected):
		return ReasonRejected
	case errors.Is(err, modem.ErrTimeout),
		errors.Is(err, modem.ErrClosed),
		errors.Is(err, modem.ErrBusy),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, ftp.ErrNotLoggedIn),
		errors.As(err, &fe),
		errors.As(err, &ne):
		return ReasonNetwork
	default:
		return ReasonVerification
	}
}
