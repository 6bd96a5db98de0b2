package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetSlot(t *testing.T) {
	s := newTestStore(t)

	rec := &SlotRecord{
		Slot:      SlotB,
		Version:   "1.4.2",
		Commit:    "def456",
		Size:      512000,
		Written:   204800,
		SHA1:      "a94a8fe5ccb19ba61c4c0873d391e987982fbbd3",
		UpdatedAt: time.Now().Truncate(time.Millisecond),
	}
	if err := s.SaveSlot(rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSlot(SlotB)
	if err != nil {
		t.Fatal(err)
	}
	if got.Commit != rec.Commit {
		t.Errorf("commit = %q, want %q", got.Commit, rec.Commit)
	}
	if got.Written != rec.Written {
		t.Errorf("written = %d, want %d", got.Written, rec.Written)
	}
	if got.Complete() {
		t.Error("complete = true for partially written slot")
	}
	if !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Errorf("updated_at = %v, want %v", got.UpdatedAt, rec.UpdatedAt)
	}
}

func TestGetSlotNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetSlot(SlotA); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetBoot(); !errors.Is(err, ErrNotFound) {
		t.Errorf("boot err = %v, want ErrNotFound", err)
	}
}

func TestSaveSlotInvalid(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveSlot(&SlotRecord{Slot: "c"}); err == nil {
		t.Error("expected error for invalid slot")
	}
}

func TestUpdateSlot(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateSlot(SlotA, func(*SlotRecord) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if err := s.SaveSlot(&SlotRecord{Slot: SlotA, Commit: "abc", Size: 10}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateSlot(SlotA, func(r *SlotRecord) error {
		r.Written = 10
		r.Verified = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetSlot(SlotA)
	if !got.Verified || !got.Complete() {
		t.Errorf("slot = %+v, want verified and complete", got)
	}

	boom := errors.New("boom")
	if err := s.UpdateSlot(SlotA, func(r *SlotRecord) error {
		r.Verified = false
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	got, _ = s.GetSlot(SlotA)
	if !got.Verified {
		t.Error("failed UpdateSlot modified the record")
	}
}

func TestCommitBootRequiresVerifiedSlot(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetBoot(&BootRecord{Active: SlotA, Commit: "abc123"}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.CommitBoot(SlotB, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("commit missing slot err = %v, want ErrNotFound", err)
	}

	partial := &SlotRecord{Slot: SlotB, Commit: "def456", Size: 512000, Written: 204800, Verified: true}
	if err := s.SaveSlot(partial); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CommitBoot(SlotB, time.Now()); !errors.Is(err, ErrSlotNotVerified) {
		t.Fatalf("commit partial slot err = %v, want ErrSlotNotVerified", err)
	}
	boot, _ := s.GetBoot()
	if boot.Active != SlotA {
		t.Fatalf("active = %s after rejected commit, want a", boot.Active)
	}

	partial.Written = partial.Size
	if err := s.SaveSlot(partial); err != nil {
		t.Fatal(err)
	}
	next, err := s.CommitBoot(SlotB, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if next.Active != SlotB || next.Previous != SlotA || next.Commit != "def456" || !next.Announce {
		t.Errorf("boot = %+v", next)
	}
	if got, _ := s.GetBoot(); got.Active != SlotB {
		t.Errorf("persisted active = %s, want b", got.Active)
	}
}

func TestCommitBootSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSlot(&SlotRecord{Slot: SlotB, Commit: "def456", Size: 4, Written: 4, Verified: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CommitBoot(SlotB, time.Now()); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	boot, err := s.GetBoot()
	if err != nil {
		t.Fatal(err)
	}
	if boot.Active != SlotB || boot.Previous != SlotA {
		t.Errorf("boot = %+v, want active b previous a", boot)
	}
}

func TestUpdateRecord(t *testing.T) {
	s := newTestStore(t)
	rec := &UpdateRecord{Phase: "failed", Reason: "transfer size mismatch", Commit: "def456", Offset: 204800, At: time.Now().Truncate(time.Second)}
	if err := s.SaveUpdate(rec); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetUpdate()
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != rec.Phase || got.Reason != rec.Reason || got.Offset != rec.Offset || got.Commit != rec.Commit {
		t.Errorf("update = %+v, want %+v", got, rec)
	}
	if !got.At.Equal(rec.At) {
		t.Errorf("at = %v, want %v", got.At, rec.At)
	}
}

func TestUpdateBoot(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetBoot(&BootRecord{Active: SlotB, Announce: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateBoot(func(r *BootRecord) error {
		r.Announce = false
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetBoot()
	if got.Announce {
		t.Error("announce still set")
	}
}
