package store

import "time"

// Slot names one of the two image banks.
type Slot string

const (
	SlotA Slot = "a"
	SlotB Slot = "b"
)

// Other returns the opposite bank.
func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

// Valid reports whether s is a known slot.
func (s Slot) Valid() bool {
	return s == SlotA || s == SlotB
}

// SlotRecord describes the image held in a bank.
type SlotRecord struct {
	Slot    Slot   `json:"slot"`
	Version string `json:"version,omitempty"`
	Commit  string `json:"commit"`
	Branch  string `json:"branch,omitempty"`
	Size    int64  `json:"size"`
	// Written is the number of image bytes durably staged so far.
	Written   int64     `json:"written"`
	SHA1      string    `json:"sha1,omitempty"`
	Verified  bool      `json:"verified"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Complete reports whether every byte of the image is staged.
func (r *SlotRecord) Complete() bool {
	return r.Size > 0 && r.Written == r.Size
}

// BootRecord is the active-image pointer read by the bootloader.
type BootRecord struct {
	Active     Slot      `json:"active"`
	Previous   Slot      `json:"previous,omitempty"`
	Commit     string    `json:"commit,omitempty"`
	Version    string    `json:"version,omitempty"`
	SwitchedAt time.Time `json:"switched_at"`
	// Announce is set by CommitBoot and cleared once the new image has
	// reported its version after restart.
	Announce bool `json:"announce,omitempty"`
}

// UpdateRecord is the outcome of the most recent update attempt.
type UpdateRecord struct {
	Phase   string    `json:"phase"`
	Reason  string    `json:"reason,omitempty"`
	Commit  string    `json:"commit,omitempty"`
	Version string    `json:"version,omitempty"`
	Offset  int64     `json:"offset,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}
