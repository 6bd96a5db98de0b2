package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketSlots  = []byte("slots")
	bucketBoot   = []byte("boot")
	bucketUpdate = []byte("update")
	keyBoot      = []byte("pointer")
	keyUpdate    = []byte("last")
)

// BoltStore implements Store using BoltDB. Every write is one bolt
// transaction, fsynced before it returns.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSlots, bucketBoot, bucketUpdate} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func bucket(tx *bolt.Tx, name []byte) (*bolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %q not found", name)
	}
	return b, nil
}

func getJSON(b *bolt.Bucket, key []byte, v any, what string) error {
	data := b.Get(key)
	if data == nil {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func (s *BoltStore) SaveSlot(rec *SlotRecord) error {
	if !rec.Slot.Valid() {
		return fmt.Errorf("save slot: invalid slot %q", rec.Slot)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketSlots)
		if err != nil {
			return err
		}
		return putJSON(b, []byte(rec.Slot), rec)
	})
}

func (s *BoltStore) GetSlot(slot Slot) (*SlotRecord, error) {
	var rec SlotRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketSlots)
		if err != nil {
			return err
		}
		return getJSON(b, []byte(slot), &rec, "slot "+string(slot))
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) UpdateSlot(slot Slot, fn func(rec *SlotRecord) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketSlots)
		if err != nil {
			return err
		}
		var rec SlotRecord
		if err := getJSON(b, []byte(slot), &rec, "slot "+string(slot)); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.Slot = slot
		return putJSON(b, []byte(slot), &rec)
	})
}

func (s *BoltStore) GetBoot() (*BootRecord, error) {
	var rec BootRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketBoot)
		if err != nil {
			return err
		}
		return getJSON(b, keyBoot, &rec, "boot pointer")
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) SetBoot(rec *BootRecord) error {
	if !rec.Active.Valid() {
		return fmt.Errorf("set boot: invalid slot %q", rec.Active)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketBoot)
		if err != nil {
			return err
		}
		return putJSON(b, keyBoot, rec)
	})
}

func (s *BoltStore) CommitBoot(slot Slot, at time.Time) (*BootRecord, error) {
	var next BootRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		slots, err := bucket(tx, bucketSlots)
		if err != nil {
			return err
		}
		boot, err := bucket(tx, bucketBoot)
		if err != nil {
			return err
		}

		var rec SlotRecord
		if err := getJSON(slots, []byte(slot), &rec, "slot "+string(slot)); err != nil {
			return err
		}
		if !rec.Verified || !rec.Complete() {
			return fmt.Errorf("commit slot %s: %w", slot, ErrSlotNotVerified)
		}

		prev := slot.Other()
		var cur BootRecord
		if err := getJSON(boot, keyBoot, &cur, "boot pointer"); err == nil {
			prev = cur.Active
		}
		next = BootRecord{
			Active:     slot,
			Previous:   prev,
			Commit:     rec.Commit,
			Version:    rec.Version,
			SwitchedAt: at,
			Announce:   true,
		}
		return putJSON(boot, keyBoot, &next)
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}

func (s *BoltStore) UpdateBoot(fn func(rec *BootRecord) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketBoot)
		if err != nil {
			return err
		}
		var rec BootRecord
		if err := getJSON(b, keyBoot, &rec, "boot pointer"); err != nil {
			return err
		}
		if err := fn(&rec); err != nil {
			return err
		}
		return putJSON(b, keyBoot, &rec)
	})
}

func (s *BoltStore) SaveUpdate(rec *UpdateRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketUpdate)
		if err != nil {
			return err
		}
		return putJSON(b, keyUpdate, rec)
	})
}

func (s *BoltStore) GetUpdate() (*UpdateRecord, error) {
	var rec UpdateRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, bucketUpdate)
		if err != nil {
			return err
		}
		return getJSON(b, keyUpdate, &rec, "update record")
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
