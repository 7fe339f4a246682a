package schedule

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mobiliza/disparo/internal/models"
)

func setupOutbox(t *testing.T) *Outbox {
	t.Helper()
	o, err := NewOutbox(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("NewOutbox() error = %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

func job(id string, due time.Time) models.DeferredJob {
	return models.DeferredJob{
		ID:          id,
		RunID:       "run-1",
		RecipientID: "rec-" + id,
		Address:     "+55" + id,
		TemplateKey: "boas_vindas",
		Variables:   map[string]string{"name": "Contact " + id},
		DueAt:       due,
		Status:      models.JobPending,
		CreatedAt:   time.Now(),
	}
}

func TestOutboxAppendAndGet(t *testing.T) {
	o := setupOutbox(t)
	ctx := context.Background()

	due := time.Now().Add(time.Hour)
	if err := o.Append(ctx, []models.DeferredJob{job("j1", due)}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	got, err := o.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() = nil for stored job")
	}
	if got.RecipientID != "rec-j1" || got.Status != models.JobPending {
		t.Errorf("Get() = %+v", got)
	}
	if got.Variables["name"] != "Contact j1" {
		t.Errorf("variables = %v", got.Variables)
	}

	missing, err := o.Get(ctx, "nope")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if missing != nil {
		t.Errorf("Get() = %+v for unknown id, want nil", missing)
	}
}

func TestOutboxDueOrdering(t *testing.T) {
	o := setupOutbox(t)
	ctx := context.Background()
	now := time.Now()

	// Appended out of order; Due must return them by due time.
	jobs := []models.DeferredJob{
		job("late", now.Add(-time.Minute)),
		job("early", now.Add(-time.Hour)),
		job("future", now.Add(time.Hour)),
	}
	if err := o.Append(ctx, jobs); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	due, err := o.Due(ctx, now, 10)
	if err != nil {
		t.Fatalf("Due() error = %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("Due() returned %d jobs, want 2", len(due))
	}
	if due[0].ID != "early" || due[1].ID != "late" {
		t.Errorf("Due() order = [%s %s], want [early late]", due[0].ID, due[1].ID)
	}
	for _, j := range due {
		if j.Status != models.JobClaimed {
			t.Errorf("job %s status = %s, want claimed", j.ID, j.Status)
		}
		if j.ClaimedAt == nil {
			t.Errorf("job %s has no claimed_at", j.ID)
		}
	}
}

func TestOutboxDueClaimsOnce(t *testing.T) {
	o := setupOutbox(t)
	ctx := context.Background()
	now := time.Now()

	if err := o.Append(ctx, []models.DeferredJob{job("j1", now.Add(-time.Minute))}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	first, err := o.Due(ctx, now, 10)
	if err != nil {
		t.Fatalf("Due() error = %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first Due() returned %d jobs, want 1", len(first))
	}

	second, err := o.Due(ctx, now, 10)
	if err != nil {
		t.Fatalf("Due() error = %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second Due() returned %d jobs, want 0", len(second))
	}

	// The claimed job itself is still retrievable.
	got, err := o.Get(ctx, "j1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || got.Status != models.JobClaimed {
		t.Errorf("Get() after claim = %+v, want claimed job", got)
	}
}

func TestOutboxDueLimit(t *testing.T) {
	o := setupOutbox(t)
	ctx := context.Background()
	now := time.Now()

	jobs := make([]models.DeferredJob, 5)
	for i := range jobs {
		jobs[i] = job(string(rune('a'+i)), now.Add(-time.Duration(5-i)*time.Minute))
	}
	if err := o.Append(ctx, jobs); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	due, err := o.Due(ctx, now, 2)
	if err != nil {
		t.Fatalf("Due() error = %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("Due() returned %d jobs, want 2", len(due))
	}
	if due[0].ID != "a" || due[1].ID != "b" {
		t.Errorf("Due() order = [%s %s], want the two oldest", due[0].ID, due[1].ID)
	}

	rest, err := o.Due(ctx, now, 10)
	if err != nil {
		t.Fatalf("Due() error = %v", err)
	}
	if len(rest) != 3 {
		t.Errorf("second Due() returned %d jobs, want the remaining 3", len(rest))
	}
}

func TestOutboxStats(t *testing.T) {
	o := setupOutbox(t)
	ctx := context.Background()
	now := time.Now()

	jobs := []models.DeferredJob{
		job("j1", now.Add(-time.Minute)),
		job("j2", now.Add(time.Hour)),
		job("j3", now.Add(time.Hour)),
	}
	if err := o.Append(ctx, jobs); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := o.Due(ctx, now, 10); err != nil {
		t.Fatalf("Due() error = %v", err)
	}

	pending, claimed, err := o.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if pending != 2 || claimed != 1 {
		t.Errorf("Stats() = %d pending, %d claimed, want 2/1", pending, claimed)
	}
}

func TestIndexKeyOrdering(t *testing.T) {
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	earlier := makeIndexKey(base, "z")
	later := makeIndexKey(base.Add(time.Nanosecond), "a")

	if string(earlier) >= string(later) {
		t.Errorf("key order broken: %q >= %q", earlier, later)
	}

	ts, err := parseIndexKey(earlier)
	if err != nil {
		t.Fatalf("parseIndexKey() error = %v", err)
	}
	if !ts.Equal(base) {
		t.Errorf("parseIndexKey() = %v, want %v", ts, base)
	}
}
