package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tietjen/generate-linux-templates/pkg/provision"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testAttempt(id, key string, started time.Time) *provision.Attempt {
	return &provision.Attempt{
		ID:         id,
		BatchID:    "batch-1",
		ImageKey:   key,
		TemplateID: 9000,
		State:      provision.StateIdle,
		StartedAt:  started,
	}
}

func TestRepository_SaveAndGet(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := testAttempt("a1", "debian-12", started)
	if err := repo.SaveAttempt(ctx, a); err != nil {
		t.Fatalf("failed to save attempt: %v", err)
	}

	// Advance and save again: the row is updated in place
	a.State = provision.StateFailed
	a.FailedStep = provision.StepDiskAttach
	a.Detail = "qm set 9000: exit status 255"
	a.ImagePath = "/var/tmp/debian-12.qcow2"
	a.Warnings = []provision.Warning{{Message: "manual cleanup required: rollback_failed", Elevated: true}}
	a.FinishedAt = started.Add(90 * time.Second)
	if err := repo.SaveAttempt(ctx, a); err != nil {
		t.Fatalf("failed to update attempt: %v", err)
	}

	got, err := repo.GetAttempt(ctx, "a1")
	if err != nil {
		t.Fatalf("failed to get attempt: %v", err)
	}
	if got == nil {
		t.Fatal("attempt not found")
	}
	if got.State != provision.StateFailed || got.FailedStep != provision.StepDiskAttach {
		t.Errorf("state = %s/%s", got.State, got.FailedStep)
	}
	if !got.StartedAt.Equal(started) || got.FinishedAt.Sub(got.StartedAt) != 90*time.Second {
		t.Errorf("times = %v..%v", got.StartedAt, got.FinishedAt)
	}
	if len(got.Warnings) != 1 || !got.Warnings[0].Elevated {
		t.Errorf("warnings = %+v", got.Warnings)
	}
	if got.Outcome().Status != provision.StatusFailed {
		t.Errorf("status = %s", got.Outcome().Status)
	}
}

func TestRepository_GetMissing(t *testing.T) {
	repo := newTestRepository(t)

	got, err := repo.GetAttempt(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestRepository_ListAttempts(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, key := range []string{"debian-12", "ubuntu-24.04", "debian-12"} {
		a := testAttempt(string(rune('a'+i)), key, base.Add(time.Duration(i)*time.Minute))
		if err := repo.SaveAttempt(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	all, err := repo.ListAttempts(ctx, Filter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Errorf("expected newest first, got %d attempts starting with %s", len(all), all[0].ID)
	}

	debian, err := repo.ListAttempts(ctx, Filter{ImageKey: "debian-12", Limit: 1})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(debian) != 1 || debian[0].ID != "c" {
		t.Errorf("unexpected filtered result: %+v", debian)
	}
}

func TestRepository_ResidualAndPrune(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	residual := testAttempt("r1", "debian-12", old)
	residual.State = provision.StateCleanedUp
	residual.ImagePath = "/var/tmp/debian-12.qcow2"

	running := testAttempt("r2", "fedora-42", old)
	running.State = provision.StateDiskAttached
	running.ImagePath = "/var/tmp/fedora-42.qcow2"

	done := testAttempt("r3", "alpine-3.22", old)
	done.State = provision.StateSkippedExists

	for _, a := range []*provision.Attempt{residual, running, done} {
		if err := repo.SaveAttempt(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	list, err := repo.ListResidual(ctx)
	if err != nil {
		t.Fatalf("list residual failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != "r1" {
		t.Fatalf("residual = %+v, want only r1", list)
	}

	if err := repo.ClearImagePath(ctx, "r1"); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	n, err := repo.PruneBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	// r2 is still in flight and must survive
	if n != 2 {
		t.Errorf("pruned %d rows, want 2", n)
	}
	if a, _ := repo.GetAttempt(ctx, "r2"); a == nil {
		t.Error("in-flight attempt was pruned")
	}
}
