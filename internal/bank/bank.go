// Package bank keeps two firmware image slots on disk. A new image is staged
// in the inactive slot, verified there, and selected by flipping the boot
// pointer in the store. The active slot is never written.
package bank

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cellnode/internal/firmware"
	"cellnode/internal/store"
)

var (
	// ErrSizeMismatch is returned when a staged image is shorter or longer
	// than its declared size.
	ErrSizeMismatch = errors.New("image size mismatch")

	// ErrVerification is returned when a staged image's digest does not
	// match its manifest.
	ErrVerification = errors.New("image verification failed")

	// ErrActiveSlot is returned for an attempt to stage into or commit the
	// slot already running.
	ErrActiveSlot = errors.New("slot is active")
)

// Banks manages the two image slots under one directory.
type Banks struct {
	dir    string
	st     store.Store
	logger *slog.Logger
	now    func() time.Time
}

// Open prepares dir and repairs a boot pointer that references a slot whose
// image is missing or incomplete.
func Open(dir string, st store.Store, logger *slog.Logger) (*Banks, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bank: %w", err)
	}
	b := &Banks{dir: dir, st: st, logger: logger, now: time.Now}
	if err := b.Recover(); err != nil {
		return nil, err
	}
	return b, nil
}

// ImagePath is the file holding slot's image.
func (b *Banks) ImagePath(slot store.Slot) string {
	return filepath.Join(b.dir, "slot-"+string(slot)+".img")
}

// Active returns the slot the boot pointer selects. Without a boot record
// the factory image in slot a is active.
func (b *Banks) Active() (store.Slot, error) {
	boot, err := b.st.GetBoot()
	if errors.Is(err, store.ErrNotFound) {
		return store.SlotA, nil
	}
	if err != nil {
		return "", fmt.Errorf("bank: %w", err)
	}
	return boot.Active, nil
}

// Inactive returns the slot a new image is staged into.
func (b *Banks) Inactive() (store.Slot, error) {
	active, err := b.Active()
	if err != nil {
		return "", err
	}
	return active.Other(), nil
}

// Seed installs the image read from r into slot as the verified active
// image. It provisions a node that has no boot record yet.
func (b *Banks) Seed(slot store.Slot, info firmware.Info, r io.Reader) error {
	path := b.ImagePath(slot)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("bank: seed %s: %w", slot, err)
	}
	h := sha1.New()
	n, err := io.Copy(io.MultiWriter(f, h), r)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("bank: seed %s: %w", slot, err)
	}

	rec := &store.SlotRecord{
		Slot:      slot,
		Version:   info.Version,
		Commit:    info.Commit,
		Branch:    info.Branch,
		Size:      n,
		Written:   n,
		SHA1:      hex.EncodeToString(h.Sum(nil)),
		Verified:  true,
		UpdatedAt: b.now(),
	}
	if err := b.st.SaveSlot(rec); err != nil {
		return fmt.Errorf("bank: seed %s: %w", slot, err)
	}
	return b.st.SetBoot(&store.BootRecord{
		Active:     slot,
		Previous:   slot.Other(),
		Commit:     info.Commit,
		Version:    info.Version,
		SwitchedAt: b.now(),
	})
}

// Verify checks the image staged in slot against info: first its size, then
// its SHA-1 when info carries one. On success the slot is marked verified.
func (b *Banks) Verify(slot store.Slot, info firmware.Info) error {
	rec, err := b.st.GetSlot(slot)
	if err != nil {
		return fmt.Errorf("bank: verify %s: %w", slot, err)
	}
	if rec.Commit != info.Commit {
		return fmt.Errorf("bank: verify %s: staged commit %s, want %s: %w", slot, rec.Commit, info.Commit, ErrVerification)
	}

	f, err := os.Open(b.ImagePath(slot))
	if err != nil {
		return fmt.Errorf("bank: verify %s: %w", slot, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("bank: verify %s: %w", slot, err)
	}
	if st.Size() != info.Size || rec.Written != info.Size {
		return fmt.Errorf("bank: verify %s: stored %d bytes (recorded %d), want %d: %w",
			slot, st.Size(), rec.Written, info.Size, ErrSizeMismatch)
	}

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("bank: verify %s: %w", slot, err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if info.SHA1 != "" && sum != info.SHA1 {
		b.logger.Warn("image hash mismatch", "slot", slot, "want", info.SHA1, "got", sum)
		return fmt.Errorf("bank: verify %s: sha1 %s, want %s: %w", slot, sum, info.SHA1, ErrVerification)
	}

	return b.st.UpdateSlot(slot, func(r *store.SlotRecord) error {
		r.SHA1 = sum
		r.Verified = true
		r.UpdatedAt = b.now()
		return nil
	})
}

// Commit selects slot as the boot target. The slot must be inactive, fully
// written and verified; the pointer flip is a single store transaction.
func (b *Banks) Commit(slot store.Slot) (*store.BootRecord, error) {
	active, err := b.Active()
	if err != nil {
		return nil, err
	}
	if slot == active {
		return nil, fmt.Errorf("bank: commit %s: %w", slot, ErrActiveSlot)
	}
	boot, err := b.st.CommitBoot(slot, b.now())
	if err != nil {
		return nil, fmt.Errorf("bank: %w", err)
	}
	b.logger.Info("boot slot switched", "active", boot.Active, "previous", boot.Previous, "commit", boot.Commit)
	return boot, nil
}

// Rollback selects the previous slot again, if it still holds a verified
// image.
func (b *Banks) Rollback() (*store.BootRecord, error) {
	boot, err := b.st.GetBoot()
	if err != nil {
		return nil, fmt.Errorf("bank: rollback: %w", err)
	}
	if !boot.Previous.Valid() || boot.Previous == boot.Active {
		return nil, fmt.Errorf("bank: rollback: no previous slot")
	}
	if err := b.intact(boot.Previous); err != nil {
		return nil, fmt.Errorf("bank: rollback: %w", err)
	}
	return b.Commit(boot.Previous)
}

// Recover runs at startup. If the boot pointer references a slot that is
// not intact, it falls back to the previous slot.
func (b *Banks) Recover() error {
	boot, err := b.st.GetBoot()
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bank: recover: %w", err)
	}

	err = b.intact(boot.Active)
	if err == nil {
		return nil
	}
	b.logger.Error("active slot damaged", "slot", boot.Active, "err", err)

	if !boot.Previous.Valid() || boot.Previous == boot.Active {
		return fmt.Errorf("bank: recover: active slot %s: %w", boot.Active, err)
	}
	if perr := b.intact(boot.Previous); perr != nil {
		return fmt.Errorf("bank: recover: no intact slot: %w", errors.Join(err, perr))
	}

	prev, perr := b.st.GetSlot(boot.Previous)
	if perr != nil {
		return fmt.Errorf("bank: recover: %w", perr)
	}
	b.logger.Warn("falling back to previous slot", "slot", boot.Previous, "commit", prev.Commit)
	return b.st.SetBoot(&store.BootRecord{
		Active:     boot.Previous,
		Previous:   boot.Active,
		Commit:     prev.Commit,
		Version:    prev.Version,
		SwitchedAt: b.now(),
	})
}

// Announce reports whether running is a freshly applied image that has not
// yet announced itself, and clears the flag. A pending flag for a different
// commit means the bootloader did not start the new image.
func (b *Banks) Announce(running firmware.Info) (bool, error) {
	var fresh bool
	err := b.st.UpdateBoot(func(boot *store.BootRecord) error {
		if !boot.Announce {
			return nil
		}
		if boot.Commit != running.Commit {
			b.logger.Warn("applied image is not running", "slot", boot.Active, "want", boot.Commit, "running", running.Commit)
			return nil
		}
		boot.Announce = false
		fresh = true
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("bank: announce: %w", err)
	}
	return fresh, nil
}

// intact reports whether slot holds a verified image whose file has the
// recorded size.
func (b *Banks) intact(slot store.Slot) error {
	rec, err := b.st.GetSlot(slot)
	if err != nil {
		return err
	}
	if !rec.Verified || !rec.Complete() {
		return fmt.Errorf("slot %s: %w", slot, store.ErrSlotNotVerified)
	}
	st, err := os.Stat(b.ImagePath(slot))
	if err != nil {
		return err
	}
	if st.Size() != rec.Size {
		return fmt.Errorf("slot %s: file %d bytes, recorded %d: %w", slot, st.Size(), rec.Size, ErrSizeMismatch)
	}
	return nil
}

// Status describes both slots and the boot pointer.
type Status struct {
	Active store.Slot                       `json:"active"`
	Boot   *store.BootRecord                `json:"boot,omitempty"`
	Slots  map[store.Slot]*store.SlotRecord `json:"slots"`
}

// Status returns the current slot layout.
func (b *Banks) Status() (*Status, error) {
	active, err := b.Active()
	if err != nil {
		return nil, err
	}
	s := &Status{Active: active, Slots: make(map[store.Slot]*store.SlotRecord)}
	if boot, err := b.st.GetBoot(); err == nil {
		s.Boot = boot
	}
	for _, slot := range []store.Slot{store.SlotA, store.SlotB} {
		rec, err := b.st.GetSlot(slot)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.Slots[slot] = rec
	}
	return s, nil
}
