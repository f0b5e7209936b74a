package store

import (
	"context"
	"errors"
	"testing"
	"time"

	memerrors "github.com/rednebmas/mem/internal/errors"
)

func TestStartFinishRun(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	if err := db.StartRun(ctx, "run-1", now); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := db.StartRun(ctx, "run-2", now.Add(time.Minute)); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	stats := RunStats{EntryCount: 4, UnroutedCount: 1, TopicsCreated: 2, TopicsUpdated: 3}
	if err := db.FinishRun(ctx, "run-1", stats, nil, now.Add(time.Second)); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := db.FinishRun(ctx, "run-2", RunStats{}, errors.New("gateway down"), now.Add(2*time.Minute)); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	runs, err := db.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
	if runs[0].RunID != "run-2" || runs[0].Status != "failed" || runs[0].Error != "gateway down" {
		t.Errorf("runs[0] = %+v", runs[0])
	}
	if runs[1].Status != "completed" || runs[1].EntryCount != 4 || runs[1].TopicsUpdated != 3 {
		t.Errorf("runs[1] = %+v", runs[1])
	}
	if runs[1].EndedAt == nil {
		t.Error("EndedAt not set")
	}
}

func TestRunLock(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	stale := 30 * time.Minute

	if err := db.AcquireLock(ctx, "a", stale, now); err != nil {
		t.Fatalf("AcquireLock a: %v", err)
	}
	err := db.AcquireLock(ctx, "b", stale, now.Add(time.Minute))
	if !memerrors.Is(err, memerrors.KindLocked) {
		t.Fatalf("AcquireLock b = %v, want locked", err)
	}

	// A stale lock is taken over.
	if err := db.AcquireLock(ctx, "b", stale, now.Add(time.Hour)); err != nil {
		t.Fatalf("AcquireLock b after stale: %v", err)
	}

	// Releasing with the wrong holder leaves b's lock alone.
	db.ReleaseLock(ctx, "a")
	if err := db.AcquireLock(ctx, "c", stale, now.Add(time.Hour+time.Minute)); !memerrors.Is(err, memerrors.KindLocked) {
		t.Fatalf("AcquireLock c = %v, want locked", err)
	}

	if err := db.ReleaseLock(ctx, "b"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if err := db.AcquireLock(ctx, "c", stale, now.Add(time.Hour+time.Minute)); err != nil {
		t.Fatalf("AcquireLock c after release: %v", err)
	}
}

func TestRefreshLockKeepsLongRunAlive(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	stale := 30 * time.Minute

	if err := db.AcquireLock(ctx, "a", stale, now); err != nil {
		t.Fatal(err)
	}
	// Refreshed at +25m, so at +40m the lock is only 15m old.
	if err := db.RefreshLock(ctx, "a", now.Add(25*time.Minute)); err != nil {
		t.Fatalf("RefreshLock: %v", err)
	}
	if err := db.AcquireLock(ctx, "b", stale, now.Add(40*time.Minute)); !memerrors.Is(err, memerrors.KindLocked) {
		t.Fatalf("AcquireLock b = %v, want locked", err)
	}

	// Once taken over, a refresh and the commit check both fail.
	if err := db.AcquireLock(ctx, "b", stale, now.Add(2*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := db.RefreshLock(ctx, "a", now.Add(2*time.Hour)); !memerrors.Is(err, memerrors.KindLocked) {
		t.Errorf("RefreshLock after takeover = %v, want locked", err)
	}
	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := tx.CheckLock(ctx, "a"); !memerrors.Is(err, memerrors.KindLocked) {
		t.Errorf("CheckLock a = %v, want locked", err)
	}
	if err := tx.CheckLock(ctx, "b"); err != nil {
		t.Errorf("CheckLock b = %v", err)
	}
}
