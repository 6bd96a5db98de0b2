// Package ota runs the firmware update pipeline: check the remote manifest,
// download the image into the inactive bank, verify it and switch the boot
// pointer.
package ota

//go:generate go tool mockgen -destination=mock_ota.go -package=ota cellnode/internal/ota Source,Rebooter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"cellnode/internal/bank"
	"cellnode/internal/firmware"
	"cellnode/internal/metrics"
	"cellnode/internal/store"
)

// ErrInvalidTransition is returned when an operation is requested in a phase
// that does not allow it.
var ErrInvalidTransition = errors.New("ota: invalid transition")

// Source delivers manifests and images.
type Source interface {
	// FetchManifest returns the raw remote manifest.
	FetchManifest(ctx context.Context) ([]byte, error)
	// Prepare makes the image described by info readable and returns its
	// stored size.
	Prepare(ctx context.Context, info firmware.Info) (int64, error)
	// ReadImage copies length bytes of the image starting at offset into w.
	ReadImage(ctx context.Context, name string, w io.Writer, offset, length int64) (int64, error)
}

// Rebooter restarts the device into the newly selected image.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// Journal persists the outcome of update attempts.
type Journal interface {
	SaveUpdate(rec *store.UpdateRecord) error
}

// Config tunes the updater.
type Config struct {
	// Image is the image name used when the manifest does not name one.
	Image string
	// SyncEvery is the number of staged bytes between durable checkpoints.
	SyncEvery int64
}

const (
	evCheck      = "check"
	evUpToDate   = "up_to_date"
	evAvailable  = "available"
	evDownload   = "download"
	evDownloaded = "downloaded"
	evVerified   = "verified"
	evApplied    = "applied"
	evFail       = "fail"
)

// Updater is the update state machine. Its operations block and must be
// called from a single goroutine; State may be read from any goroutine.
type Updater struct {
	machine  *fsm.FSM
	src      Source
	banks    *bank.Banks
	journal  Journal
	rebooter Rebooter
	logger   *slog.Logger
	cfg      Config
	local    firmware.Info

	mu        sync.RWMutex
	remote    *firmware.Info
	slot      store.Slot
	reason    Reason
	lastErr   error
	offset    int64
	changed   time.Time
	listeners []func(State)
}

// New creates an updater in the idle phase. journal and rebooter may be nil.
func New(local firmware.Info, src Source, banks *bank.Banks, journal Journal, rebooter Rebooter, cfg Config, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SyncEvery <= 0 {
		cfg.SyncEvery = 64 * 1024
	}
	u := &Updater{
		src:      src,
		banks:    banks,
		journal:  journal,
		rebooter: rebooter,
		logger:   logger,
		cfg:      cfg,
		local:    local,
		changed:  time.Now(),
	}
	u.machine = fsm.NewFSM(
		string(PhaseIdle),
		fsm.Events{
			{Name: evCheck, Src: []string{string(PhaseIdle), string(PhaseUpToDate), string(PhaseUpdateAvailable), string(PhaseFailed)}, Dst: string(PhaseChecking)},
			{Name: evUpToDate, Src: []string{string(PhaseChecking)}, Dst: string(PhaseUpToDate)},
			{Name: evAvailable, Src: []string{string(PhaseChecking)}, Dst: string(PhaseUpdateAvailable)},
			{Name: evDownload, Src: []string{string(PhaseUpdateAvailable)}, Dst: string(PhaseDownloading)},
			{Name: evDownloaded, Src: []string{string(PhaseDownloading)}, Dst: string(PhaseVerifying)},
			{Name: evVerified, Src: []string{string(PhaseVerifying)}, Dst: string(PhaseApplying)},
			{Name: evApplied, Src: []string{string(PhaseApplying)}, Dst: string(PhaseRebootPending)},
			{Name: evFail, Src: []string{string(PhaseChecking), string(PhaseDownloading), string(PhaseVerifying), string(PhaseApplying)}, Dst: string(PhaseFailed)},
		},
		fsm.Callbacks{
			"enter_" + string(PhaseChecking): func(_ context.Context, e *fsm.Event) {
				u.mu.Lock()
				u.reason, u.lastErr = "", nil
				u.mu.Unlock()
			},
			"enter_state": func(_ context.Context, e *fsm.Event) {
				u.entered(Phase(e.Dst))
			},
		},
	)
	metrics.SetPhase(string(PhaseIdle), phaseNames())
	return u
}

func phaseNames() []string {
	names := make([]string, len(Phases))
	for i, p := range Phases {
		names[i] = string(p)
	}
	return names
}

// OnTransition registers fn to be called with the new state on every phase
// change. fn runs on the updater's goroutine.
func (u *Updater) OnTransition(fn func(State)) {
	u.mu.Lock()
	u.listeners = append(u.listeners, fn)
	u.mu.Unlock()
}

// State returns the current snapshot.
func (u *Updater) State() State {
	return u.snapshot(Phase(u.machine.Current()))
}

func (u *Updater) snapshot(p Phase) State {
	u.mu.RLock()
	defer u.mu.RUnlock()
	s := State{
		Phase:   p,
		Reason:  u.reason,
		Local:   u.local,
		Offset:  u.offset,
		Changed: u.changed,
	}
	if u.remote != nil {
		r := *u.remote
		s.Remote = &r
	}
	if u.lastErr != nil {
		s.Err = u.lastErr.Error()
	}
	return s
}

func (u *Updater) entered(p Phase) {
	u.mu.Lock()
	u.changed = time.Now()
	listeners := append([]func(State){}, u.listeners...)
	u.mu.Unlock()

	s := u.snapshot(p)
	metrics.SetPhase(string(p), phaseNames())
	u.logger.Info("ota phase", "phase", p, "reason", s.Reason, "offset", s.Offset)

	if u.journal != nil {
		rec := &store.UpdateRecord{Phase: string(p), Reason: string(s.Reason), Offset: s.Offset, Error: s.Err, At: s.Changed}
		if s.Remote != nil {
			rec.Commit, rec.Version = s.Remote.Commit, s.Remote.Version
		}
		if err := u.journal.SaveUpdate(rec); err != nil {
			u.logger.Warn("ota journal write failed", "err", err)
		}
	}
	for _, fn := range listeners {
		fn(s)
	}
}

// event fires a transition. The caller's context is not passed on so that a
// canceled operation can still record its failure.
func (u *Updater) event(ctx context.Context, name string) error {
	if err := u.machine.Event(context.WithoutCancel(ctx), name); err != nil {
		return fmt.Errorf("%w: %s in phase %s", ErrInvalidTransition, name, u.machine.Current())
	}
	return nil
}

// fail moves to the failed phase with the reason derived from err.
func (u *Updater) fail(ctx context.Context, err error) (State, error) {
	reason := reasonFor(err)
	u.mu.Lock()
	u.reason, u.lastErr = reason, err
	u.mu.Unlock()

	metrics.OTAFailures.WithLabelValues(string(reason)).Inc()
	u.logger.Warn("ota attempt failed", "phase", u.machine.Current(), "reason", reason, "err", err)
	if ferr := u.event(ctx, evFail); ferr != nil {
		return u.State(), errors.Join(err, ferr)
	}
	return u.State(), err
}

// Check fetches the remote manifest and compares it with the running build.
// It never downloads image data.
func (u *Updater) Check(ctx context.Context) (State, error) {
	if err := u.event(ctx, evCheck); err != nil {
		return u.State(), err
	}

	data, err := u.src.FetchManifest(ctx)
	if err != nil {
		return u.fail(ctx, fmt.Errorf("fetch manifest: %w", err))
	}
	remote, err := firmware.ParseManifest(data, u.cfg.Image)
	if err != nil {
		return u.fail(ctx, err)
	}

	u.mu.Lock()
	u.remote = &remote
	u.offset = 0
	u.mu.Unlock()

	if !firmware.UpdateAvailable(u.local, remote) {
		if remote.Dirty && remote.Commit != u.local.Commit {
			u.logger.Info("ignoring dirty remote build", "remote", remote.String())
		}
		if err := u.event(ctx, evUpToDate); err != nil {
			return u.State(), err
		}
		return u.State(), nil
	}
	if firmware.CompareVersions(remote.Version, u.local.Version) < 0 {
		u.logger.Warn("remote build has a lower version", "local", u.local.String(), "remote", remote.String())
	}
	u.logger.Info("update available", "local", u.local.String(), "remote", remote.String(), "size", remote.Size)
	if err := u.event(ctx, evAvailable); err != nil {
		return u.State(), err
	}
	return u.State(), nil
}

// Download stages the remote image in the inactive bank, resuming a partial
// image of the same build. On success the updater is verifying.
func (u *Updater) Download(ctx context.Context) (State, error) {
	if err := u.event(ctx, evDownload); err != nil {
		return u.State(), err
	}
	u.mu.RLock()
	info := *u.remote
	u.mu.RUnlock()

	size, err := u.src.Prepare(ctx, info)
	if err != nil {
		return u.fail(ctx, fmt.Errorf("prepare image: %w", err))
	}
	if size != info.Size {
		return u.fail(ctx, fmt.Errorf("remote image is %d bytes, manifest says %d: %w", size, info.Size, bank.ErrSizeMismatch))
	}

	stg, err := u.banks.Stage(info)
	if err != nil {
		return u.fail(ctx, err)
	}
	u.mu.Lock()
	u.slot = stg.Slot()
	u.offset = stg.Offset()
	u.mu.Unlock()

	if rem := stg.Remaining(); rem > 0 {
		w := &checkpointWriter{u: u, stg: stg, every: u.cfg.SyncEvery}
		_, err := u.src.ReadImage(ctx, info.Image, w, stg.Offset(), rem)
		if cerr := stg.Close(); err == nil {
			err = cerr
		}
		u.setOffset(stg.Offset())
		if err != nil {
			return u.fail(ctx, err)
		}
	} else if err := stg.Close(); err != nil {
		return u.fail(ctx, err)
	}

	if stg.Offset() != info.Size {
		return u.fail(ctx, fmt.Errorf("staged %d of %d bytes: %w", stg.Offset(), info.Size, bank.ErrSizeMismatch))
	}
	if err := u.event(ctx, evDownloaded); err != nil {
		return u.State(), err
	}
	return u.State(), nil
}

// Verify checks the staged image's size and digest. On success the updater
// is applying.
func (u *Updater) Verify(ctx context.Context) (State, error) {
	if p := Phase(u.machine.Current()); p != PhaseVerifying {
		return u.State(), fmt.Errorf("%w: verify in phase %s", ErrInvalidTransition, p)
	}
	u.mu.RLock()
	info, slot := *u.remote, u.slot
	u.mu.RUnlock()

	if err := u.banks.Verify(slot, info); err != nil {
		return u.fail(ctx, err)
	}
	if err := u.event(ctx, evVerified); err != nil {
		return u.State(), err
	}
	return u.State(), nil
}

// Apply switches the boot pointer to the verified image and asks the
// rebooter to restart. A reboot error is logged; the image stays selected.
func (u *Updater) Apply(ctx context.Context) (State, error) {
	if p := Phase(u.machine.Current()); p != PhaseApplying {
		return u.State(), fmt.Errorf("%w: apply in phase %s", ErrInvalidTransition, p)
	}
	u.mu.RLock()
	slot := u.slot
	u.mu.RUnlock()

	if _, err := u.banks.Commit(slot); err != nil {
		return u.fail(ctx, err)
	}
	if err := u.event(ctx, evApplied); err != nil {
		return u.State(), err
	}

	if u.rebooter != nil {
		if err := u.rebooter.Reboot(ctx); err != nil {
			u.logger.Error("reboot request failed", "err", err)
		}
	}
	return u.State(), nil
}

// Run performs a full attempt: check, and when an update is available,
// download, verify and apply it.
func (u *Updater) Run(ctx context.Context) (State, error) {
	s, err := u.Check(ctx)
	if err != nil || s.Phase != PhaseUpdateAvailable {
		return s, err
	}
	for _, step := range []func(context.Context) (State, error){u.Download, u.Verify, u.Apply} {
		if s, err = step(ctx); err != nil {
			return s, err
		}
	}
	return s, nil
}

func (u *Updater) setOffset(n int64) {
	u.mu.Lock()
	u.offset = n
	u.mu.Unlock()
}

// checkpointWriter stages image bytes and makes progress durable every
// `every` bytes.
type checkpointWriter struct {
	u     *Updater
	stg   *bank.Staging
	every int64
	since int64
}

func (w *checkpointWriter) Write(p []byte) (int, error) {
	n, err := w.stg.Write(p)
	w.since += int64(n)
	w.u.setOffset(w.stg.Offset())
	if err != nil {
		return n, err
	}
	if w.since >= w.every {
		w.since = 0
		if err := w.stg.Sync(); err != nil {
			return n, err
		}
	}
	return n, nil
}
