package campaign

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCampaigns = []byte("campaigns")
	bucketOwners    = []byte("owner_index")
	bucketResults   = []byte("results")
)

// resultEntry is one recorded outcome. Results live in a nested bucket per
// campaign, keyed by sequence, so recording appends instead of rewriting.
type resultEntry struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error,omitempty"`
	Failed    bool   `json:"failed,omitempty"`
}

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) a BoltDB campaign store
func NewBoltStore(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCampaigns, bucketOwners, bucketResults} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Insert(ctx context.Context, c *Campaign) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		if b.Get([]byte(c.ID)) != nil {
			return ErrAlreadyExists
		}
		if err := storeCampaign(tx, c, 0, 0); err != nil {
			return err
		}
		if err := tx.Bucket(bucketOwners).Put(makeOwnerKey(c.OwnerID, c.ID), []byte(c.ID)); err != nil {
			return fmt.Errorf("failed to add to owner index: %w", err)
		}
		return nil
	})
}

func (s *BoltStore) Get(ctx context.Context, id string) (*Campaign, error) {
	var c *Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		c, err = loadCampaign(tx, id)
		return err
	})
	return c, err
}

func (s *BoltStore) Update(ctx context.Context, id string, fn func(c *Campaign) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c, err := loadCampaign(tx, id)
		if err != nil {
			return err
		}
		successes, failures := len(c.SuccessList), len(c.ErrorList)
		if err := fn(c); err != nil {
			return err
		}
		return storeCampaign(tx, c, successes, failures)
	})
}

func (s *BoltStore) ListByOwner(ctx context.Context, ownerID string) ([]*Campaign, error) {
	var out []*Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := makeOwnerKey(ownerID, "")
		c := tx.Bucket(bucketOwners).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			camp, err := loadCampaign(tx, string(v))
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, camp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *BoltStore) List(ctx context.Context) ([]*Campaign, error) {
	var out []*Campaign
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			c, err := loadCampaign(tx, string(k))
			if err != nil {
				return nil
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *BoltStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		c, err := getCampaign(b, id)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketOwners).Delete(makeOwnerKey(c.OwnerID, c.ID)); err != nil {
			return err
		}
		if err := dropResults(tx, id); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database for components sharing the file
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

func getCampaign(b *bolt.Bucket, id string) (*Campaign, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var c Campaign
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal campaign %s: %w", id, err)
	}
	return &c, nil
}

// loadCampaign reads the campaign record and rebuilds its result lists
func loadCampaign(tx *bolt.Tx, id string) (*Campaign, error) {
	c, err := getCampaign(tx.Bucket(bucketCampaigns), id)
	if err != nil {
		return nil, err
	}
	rb := tx.Bucket(bucketResults).Bucket([]byte(id))
	if rb == nil {
		return c, nil
	}
	err = rb.ForEach(func(k, v []byte) error {
		var e resultEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("failed to unmarshal result of campaign %s: %w", id, err)
		}
		if e.Failed {
			c.ErrorList = append(c.ErrorList, Failure{Recipient: e.Recipient, ErrorMessage: e.Error})
		} else {
			c.SuccessList = append(c.SuccessList, e.Recipient)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// storeCampaign writes the record without result lists and appends the
// results past the first successes/failures entries already stored
func storeCampaign(tx *bolt.Tx, c *Campaign, successes, failures int) error {
	record := *c
	record.SuccessList = nil
	record.ErrorList = nil
	if err := putCampaign(tx.Bucket(bucketCampaigns), &record); err != nil {
		return err
	}

	if len(c.SuccessList) < successes || len(c.ErrorList) < failures {
		if err := dropResults(tx, c.ID); err != nil {
			return err
		}
		successes, failures = 0, 0
	}
	if len(c.SuccessList) == successes && len(c.ErrorList) == failures {
		return nil
	}

	rb, err := tx.Bucket(bucketResults).CreateBucketIfNotExists([]byte(c.ID))
	if err != nil {
		return fmt.Errorf("failed to create results bucket: %w", err)
	}
	for _, r := range c.SuccessList[successes:] {
		if err := appendResult(rb, resultEntry{Recipient: r}); err != nil {
			return err
		}
	}
	for _, f := range c.ErrorList[failures:] {
		if err := appendResult(rb, resultEntry{Recipient: f.Recipient, Error: f.ErrorMessage, Failed: true}); err != nil {
			return err
		}
	}
	return nil
}

func appendResult(rb *bolt.Bucket, e resultEntry) error {
	seq, err := rb.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate result key: %w", err)
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := rb.Put(key, data); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

func dropResults(tx *bolt.Tx, id string) error {
	results := tx.Bucket(bucketResults)
	if results.Bucket([]byte(id)) == nil {
		return nil
	}
	return results.DeleteBucket([]byte(id))
}

func putCampaign(b *bolt.Bucket, c *Campaign) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal campaign: %w", err)
	}
	if err := b.Put([]byte(c.ID), data); err != nil {
		return fmt.Errorf("failed to store campaign: %w", err)
	}
	return nil
}

// makeOwnerKey builds "owner\x00id" so one owner's keys share a prefix
func makeOwnerKey(ownerID, id string) []byte {
	key := make([]byte, 0, len(ownerID)+1+len(id))
	key = append(key, ownerID...)
	key = append(key, 0)
	key = append(key, id...)
	return key
}
