package store

import (
	"context"
	"testing"
	"time"
)

func upsert(t *testing.T, db *DB, path ...string) (int64, []Topic) {
	t.Helper()
	ctx := context.Background()
	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()
	id, created, err := tx.UpsertTopic(ctx, path, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("UpsertTopic(%v): %v", path, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return id, created
}

func TestUpsertTopicCreatesIntermediates(t *testing.T) {
	db := openTest(t)

	id, created := upsert(t, db, "Relationships", "Friends", "Alex")
	if len(created) != 3 {
		t.Fatalf("created %d topics, want 3", len(created))
	}
	wantPaths := []string{"Relationships", "Relationships/Friends", "Relationships/Friends/Alex"}
	for i, c := range created {
		if c.Path != wantPaths[i] {
			t.Errorf("created[%d].Path = %q, want %q", i, c.Path, wantPaths[i])
		}
		if c.Depth != i+1 {
			t.Errorf("created[%d].Depth = %d, want %d", i, c.Depth, i+1)
		}
	}
	if created[2].ID != id {
		t.Errorf("leaf id = %d, want %d", id, created[2].ID)
	}

	// Second upsert of an overlapping path only creates the new leaf.
	_, created = upsert(t, db, "Relationships", "Friends", "Jordan")
	if len(created) != 1 || created[0].Path != "Relationships/Friends/Jordan" {
		t.Errorf("created = %+v, want only Relationships/Friends/Jordan", created)
	}

	// Exact repeat creates nothing and resolves to the same id.
	again, created := upsert(t, db, "Relationships", "Friends", "Alex")
	if len(created) != 0 {
		t.Errorf("repeat upsert created %d topics", len(created))
	}
	if again != id {
		t.Errorf("repeat id = %d, want %d", again, id)
	}
}

func TestUpsertTopicRejectsBadSegments(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()

	if _, _, err := tx.UpsertTopic(ctx, nil, time.Now()); err == nil {
		t.Error("expected error for empty path")
	}
	if _, _, err := tx.UpsertTopic(ctx, []string{"a/b"}, time.Now()); err == nil {
		t.Error("expected error for segment containing separator")
	}
	if _, _, err := tx.UpsertTopic(ctx, []string{"Work", ""}, time.Now()); err == nil {
		t.Error("expected error for empty segment")
	}
}

func TestSnapshot(t *testing.T) {
	db := openTest(t)
	upsert(t, db, "Work", "Launch")
	upsert(t, db, "Health")
	upsert(t, db, "Work", "Hiring")

	snap, err := db.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	want := []string{"Health", "Work", "Work/Hiring", "Work/Launch"}
	got := snap.Paths()
	if len(got) != len(want) {
		t.Fatalf("Paths = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Paths[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	work, ok := snap.Lookup("Work")
	if !ok {
		t.Fatal("Lookup(Work) not found")
	}
	if work.ParentID != RootID {
		t.Errorf("Work.ParentID = %d, want root", work.ParentID)
	}
	kids := snap.Children(work.ID)
	if len(kids) != 2 {
		t.Fatalf("Children(Work) = %v, want 2", kids)
	}
	first, _ := snap.Get(kids[0])
	if first.Name != "Hiring" {
		t.Errorf("first child = %q, want Hiring (name order)", first.Name)
	}

	launch, _ := snap.Lookup("Work/Launch")
	anc := snap.Ancestors(launch.ID)
	if len(anc) != 1 || anc[0] != work.ID {
		t.Errorf("Ancestors(Work/Launch) = %v, want [%d]", anc, work.ID)
	}

	if _, ok := snap.Lookup("work"); ok {
		t.Error("Lookup must be exact and case-sensitive")
	}
	if roots := snap.Children(RootID); len(roots) != 2 {
		t.Errorf("Children(root) = %v, want 2", roots)
	}
}

func TestUpdateTopicActivity(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	id, _ := upsert(t, db, "Work")

	d1 := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	d0 := d1.Add(-48 * time.Hour)

	tx, _ := db.Begin(ctx)
	if err := tx.UpdateTopicActivity(ctx, id, "Shipping the launch.", d1, 2); err != nil {
		t.Fatalf("UpdateTopicActivity: %v", err)
	}
	// Empty summary keeps the previous one; an older timestamp never moves last_active back.
	if err := tx.UpdateTopicActivity(ctx, id, "", d0, 1); err != nil {
		t.Fatalf("UpdateTopicActivity: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snap, _ := db.Snapshot(ctx)
	got, _ := snap.Get(id)
	if got.Summary != "Shipping the launch." {
		t.Errorf("Summary = %q", got.Summary)
	}
	if got.ActivityCount != 3 {
		t.Errorf("ActivityCount = %d, want 3", got.ActivityCount)
	}
	if got.LastActiveAt == nil || !got.LastActiveAt.Equal(d1) {
		t.Errorf("LastActiveAt = %v, want %v", got.LastActiveAt, d1)
	}
}

func TestUpdateRootRejected(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	tx, _ := db.Begin(ctx)
	defer tx.Rollback()
	if err := tx.UpdateTopicActivity(ctx, RootID, "x", time.Now(), 1); err == nil {
		t.Error("root must not be updatable")
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"A/B/C", 3},
		{"/A//B/", 2},
		{" A / B ", 2},
		{"", 0},
	}
	for _, tt := range tests {
		if got := SplitPath(tt.in); len(got) != tt.want {
			t.Errorf("SplitPath(%q) = %v, want %d segments", tt.in, got, tt.want)
		}
	}
}

func TestSnapshotReshape(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	dinners, _ := upsert(t, db, "People", "Al", "Dinners")
	al, _ := upsert(t, db, "People", "Al")
	people, _ := upsert(t, db, "People")
	blake, _ := upsert(t, db, "People", "Blake")
	work, _ := upsert(t, db, "Work")
	snap, err := db.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}

	view, err := snap.Reshape(al, people, "Alex")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if got, ok := view.Get(dinners); !ok || got.Path != "People/Alex/Dinners" {
		t.Errorf("descendant path = %q", got.Path)
	}
	if _, ok := snap.Lookup("People/Al"); !ok {
		t.Error("Reshape modified the original snapshot")
	}

	view, err = view.Reshape(al, work, "Alex")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, ok := view.Lookup("Work/Alex/Dinners"); !ok {
		t.Errorf("paths after move = %v", view.Paths())
	}

	tests := []struct {
		name   string
		id     int64
		parent int64
		to     string
	}{
		{"unknown topic", 999, RootID, "X"},
		{"unknown parent", al, 999, "Al"},
		{"sibling taken", al, people, "Blake"},
		{"under itself", al, al, "Al"},
		{"under descendant", al, dinners, "Al"},
		{"empty name", blake, people, ""},
		{"separator", blake, people, "a/b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := snap.Reshape(tt.id, tt.parent, tt.to); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRenameAndMoveTopic(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	al, _ := upsert(t, db, "People", "Al")
	upsert(t, db, "People", "Al", "Dinners")
	upsert(t, db, "People", "Blake")
	work, _ := upsert(t, db, "Work")

	tx, err := db.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := tx.RenameTopic(ctx, al, "Alex"); err != nil {
		t.Fatalf("RenameTopic: %v", err)
	}
	if err := tx.RenameTopic(ctx, al, "Blake"); err == nil {
		t.Error("rename onto an existing sibling succeeded")
	}
	if err := tx.MoveTopic(ctx, al, work); err != nil {
		t.Fatalf("MoveTopic: %v", err)
	}
	snap, err := tx.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	dinners, ok := snap.Lookup("Work/Alex/Dinners")
	if !ok {
		t.Fatalf("paths = %v", snap.Paths())
	}
	if err := tx.MoveTopic(ctx, al, dinners.ID); err == nil {
		t.Error("move under a descendant succeeded")
	}
	if err := tx.MoveTopic(ctx, al, al); err == nil {
		t.Error("move under itself succeeded")
	}
	if err := tx.MoveTopic(ctx, al, RootID); err != nil {
		t.Fatalf("move to top level: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	snap, _ = db.Snapshot(ctx)
	if _, ok := snap.Lookup("Alex/Dinners"); !ok {
		t.Errorf("paths = %v", snap.Paths())
	}
}
