// Package schedule is the deferred-job outbox: the hand-off point
// between the dispatcher's schedule path and the external scheduler
// that executes jobs later.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mobiliza/disparo/internal/models"
)

var (
	bucketJobs = []byte("jobs")
	bucketDue  = []byte("due")
)

// Outbox stores deferred jobs in BoltDB, with a time-ordered index so
// due jobs can be claimed with a single cursor scan.
type Outbox struct {
	db *bolt.DB
}

// NewOutbox opens (or creates) the outbox database.
func NewOutbox(path string) (*Outbox, error) {
	// Ensure directory exists
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
		for _, bucket := range [][]byte{bucketJobs, bucketDue} {
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

	return &Outbox{db: db}, nil
}

// Close closes the underlying database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Append stores a set of deferred jobs atomically.
func (o *Outbox) Append(ctx context.Context, jobs []models.DeferredJob) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket(bucketJobs)
		dueBucket := tx.Bucket(bucketDue)

		for i := range jobs {
			job := &jobs[i]
			data, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("failed to marshal job: %w", err)
			}
			if err := jobBucket.Put([]byte(job.ID), data); err != nil {
				return fmt.Errorf("failed to store job: %w", err)
			}
			if err := dueBucket.Put(makeIndexKey(job.DueAt, job.ID), []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to index job: %w", err)
			}
		}
		return nil
	})
}

// Due returns up to limit jobs whose due time has passed, marking them
// claimed and removing them from the due index so a repeat poll does
// not hand them out again.
func (o *Outbox) Due(ctx context.Context, now time.Time, limit int) ([]models.DeferredJob, error) {
	if limit <= 0 {
		limit = 100
	}

	var due []models.DeferredJob
	err := o.db.Update(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket(bucketJobs)
		dueBucket := tx.Bucket(bucketDue)

		c := dueBucket.Cursor()
		for k, v := c.First(); k != nil && len(due) < limit; k, v = c.Next() {
			ts, err := parseIndexKey(k)
			if err != nil {
				// Unparseable index entry; drop it.
				c.Delete()
				continue
			}
			if ts.After(now) {
				break // all remaining entries are in the future
			}

			data := jobBucket.Get(v)
			if data == nil {
				c.Delete()
				continue
			}

			var job models.DeferredJob
			if err := json.Unmarshal(data, &job); err != nil {
				return fmt.Errorf("failed to unmarshal job: %w", err)
			}

			claimedAt := now
			job.Status = models.JobClaimed
			job.ClaimedAt = &claimedAt

			updated, err := json.Marshal(&job)
			if err != nil {
				return err
			}
			if err := jobBucket.Put([]byte(job.ID), updated); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}

			due = append(due, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

// Get retrieves a job by id, or nil if it does not exist.
func (o *Outbox) Get(ctx context.Context, id string) (*models.DeferredJob, error) {
	var job *models.DeferredJob
	err := o.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return nil
		}
		var j models.DeferredJob
		if err := json.Unmarshal(data, &j); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		job = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Stats returns outbox counters by status.
func (o *Outbox) Stats(ctx context.Context) (pending, claimed int, err error) {
	err = o.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job models.DeferredJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			switch job.Status {
			case models.JobPending:
				pending++
			case models.JobClaimed:
				claimed++
			}
			return nil
		})
	})
	return pending, claimed, err
}

// indexTimeLayout is fixed-width so lexical key order matches time
// order (RFC3339Nano trims trailing zeros and would not sort).
const indexTimeLayout = "2006-01-02T15:04:05.000000000Z"

// makeIndexKey builds a lexically sortable due-index key from the due
// time and job id.
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeLayout) + "/" + id)
}

// parseIndexKey extracts the timestamp from a due-index key.
func parseIndexKey(key []byte) (time.Time, error) {
	s := string(key)
	idx := len(s)
	for i := range s {
		if s[i] == '/' {
			idx = i
			break
		}
	}
	return time.Parse(indexTimeLayout, s[:idx])
}
