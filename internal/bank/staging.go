package bank

import (
	"errors"
	"fmt"
	"io"
	"os"

	"cellnode/internal/firmware"
	"cellnode/internal/store"
)

// Staging writes an image into the inactive slot. Progress is made durable
// by Sync, which lets a later Stage of the same image resume.
type Staging struct {
	b       *Banks
	slot    store.Slot
	f       *os.File
	size    int64
	written int64
	synced  int64
}

// Stage opens the inactive slot for info's image. A partial image of the same
// commit, size and digest is resumed; anything else is discarded first.
func (b *Banks) Stage(info firmware.Info) (*Staging, error) {
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("bank: stage: %w", err)
	}
	slot, err := b.Inactive()
	if err != nil {
		return nil, err
	}
	path := b.ImagePath(slot)

	var offset int64
	rec, err := b.st.GetSlot(slot)
	switch {
	case err == nil && sameImage(rec, info) && rec.Written <= info.Size && fileAtLeast(path, rec.Written):
		offset = rec.Written
		if !rec.Complete() && rec.Verified {
			rec.Verified = false
			if err := b.st.SaveSlot(rec); err != nil {
				return nil, fmt.Errorf("bank: stage: %w", err)
			}
		}
	case err == nil || errors.Is(err, store.ErrNotFound):
		// Invalidate the record before the file is touched.
		rec = &store.SlotRecord{
			Slot:      slot,
			Version:   info.Version,
			Commit:    info.Commit,
			Branch:    info.Branch,
			Size:      info.Size,
			SHA1:      info.SHA1,
			UpdatedAt: b.now(),
		}
		if err := b.st.SaveSlot(rec); err != nil {
			return nil, fmt.Errorf("bank: stage: %w", err)
		}
	default:
		return nil, fmt.Errorf("bank: stage: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("bank: stage %s: %w", slot, err)
	}
	if err := f.Truncate(offset); err != nil {
		f.Close()
		return nil, fmt.Errorf("bank: stage %s: %w", slot, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("bank: stage %s: %w", slot, err)
	}

	if offset > 0 {
		b.logger.Info("resuming staged image", "slot", slot, "commit", info.Commit, "offset", offset, "size", info.Size)
	}
	return &Staging{b: b, slot: slot, f: f, size: info.Size, written: offset, synced: offset}, nil
}

func sameImage(rec *store.SlotRecord, info firmware.Info) bool {
	return rec.Commit == info.Commit && rec.Size == info.Size && rec.SHA1 == info.SHA1
}

func fileAtLeast(path string, n int64) bool {
	st, err := os.Stat(path)
	return err == nil && st.Size() >= n
}

// Slot is the slot being written.
func (s *Staging) Slot() store.Slot { return s.slot }

// Offset is the number of image bytes written so far.
func (s *Staging) Offset() int64 { return s.written }

// Remaining is the number of bytes still expected.
func (s *Staging) Remaining() int64 { return s.size - s.written }

// Write appends image bytes. Writing past the declared size fails with
// ErrSizeMismatch.
func (s *Staging) Write(p []byte) (int, error) {
	if s.written+int64(len(p)) > s.size {
		return 0, fmt.Errorf("bank: write past %d bytes: %w", s.size, ErrSizeMismatch)
	}
	n, err := s.f.Write(p)
	s.written += int64(n)
	return n, err
}

// Sync flushes the file and records the durable offset.
func (s *Staging) Sync() error {
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("bank: sync %s: %w", s.slot, err)
	}
	if s.written == s.synced {
		return nil
	}
	written := s.written
	err := s.b.st.UpdateSlot(s.slot, func(r *store.SlotRecord) error {
		r.Written = written
		r.UpdatedAt = s.b.now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("bank: sync %s: %w", s.slot, err)
	}
	s.synced = written
	return nil
}

// Close syncs and closes the slot file.
func (s *Staging) Close() error {
	err := s.Sync()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}
