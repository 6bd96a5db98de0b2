package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist in the store.
	ErrNotFound = errors.New("not found")

	// ErrSlotNotVerified is returned by CommitBoot for a slot whose image is
	// incomplete or has not passed verification.
	ErrSlotNotVerified = errors.New("slot not verified")
)

// Store defines the persistence interface.
type Store interface {
	// Image slots
	SaveSlot(rec *SlotRecord) error
	GetSlot(slot Slot) (*SlotRecord, error)

	// UpdateSlot atomically reads, modifies, and saves a slot record in a
	// single transaction. Returns ErrNotFound if the slot has no record.
	UpdateSlot(slot Slot, fn func(rec *SlotRecord) error) error

	// Boot pointer
	GetBoot() (*BootRecord, error)
	SetBoot(rec *BootRecord) error

	// CommitBoot makes slot the active image in one transaction. The slot
	// must be fully written and verified.
	CommitBoot(slot Slot, at time.Time) (*BootRecord, error)

	// UpdateBoot atomically modifies the boot record.
	UpdateBoot(fn func(rec *BootRecord) error) error

	// Last update attempt
	SaveUpdate(rec *UpdateRecord) error
	GetUpdate() (*UpdateRecord, error)

	// Close the store
	Close() error
}
