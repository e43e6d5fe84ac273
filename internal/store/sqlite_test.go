package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/drift/internal/collection"
	"github.com/hyperengineering/drift/internal/delta"
	"github.com/hyperengineering/drift/internal/txn"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "drift.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertMutation(id string, body map[string]any) collection.Mutation {
	return collection.Mutation{
		Operation:  txn.KindInsert,
		TrackingID: id,
		Item:       body,
		Delta:      delta.Delta{delta.TagSet: {"": body}},
	}
}

func TestApplyMutations_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seq, err := s.ApplyMutations(ctx, "todos", []collection.Mutation{
		insertMutation("t1", map[string]any{"title": "a"}),
		insertMutation("t2", map[string]any{"title": "b"}),
	})
	if err != nil {
		t.Fatalf("ApplyMutations() = %v", err)
	}
	if seq != 2 {
		t.Errorf("highest sequence = %d, want 2", seq)
	}

	rec, err := s.GetRecord(ctx, "t1")
	if err != nil {
		t.Fatalf("GetRecord() = %v", err)
	}
	if rec["title"] != "a" {
		t.Errorf("record = %v, want title a", rec)
	}

	count, err := s.CountRecords(ctx, "todos")
	if err != nil {
		t.Fatalf("CountRecords() = %v", err)
	}
	if count != 2 {
		t.Errorf("CountRecords() = %d, want 2", count)
	}
}

func TestApplyMutations_UpdateOverwritesBody(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.ApplyMutations(ctx, "todos", []collection.Mutation{
		insertMutation("t1", map[string]any{"title": "a"}),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := s.ApplyMutations(ctx, "todos", []collection.Mutation{{
		Operation:  txn.KindUpdate,
		TrackingID: "t1",
		Item:       map[string]any{"title": "b"},
		Delta:      delta.Delta{delta.TagSet: {"title": "b"}},
	}}); err != nil {
		t.Fatalf("update: %v", err)
	}

	rec, err := s.GetRecord(ctx, "t1")
	if err != nil {
		t.Fatalf("GetRecord() = %v", err)
	}
	if rec["title"] != "b" {
		t.Errorf("record = %v, want title b", rec)
	}
}

func TestApplyMutations_DeleteRemovesRecordKeepsLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.ApplyMutations(ctx, "todos", []collection.Mutation{
		insertMutation("t1", map[string]any{"title": "a"}),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := s.ApplyMutations(ctx, "todos", []collection.Mutation{{
		Operation:  txn.KindDelete,
		TrackingID: "t1",
	}}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := s.GetRecord(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord() after delete = %v, want ErrNotFound", err)
	}

	changes, err := s.GetChangesAfter(ctx, "todos", 0, 10)
	if err != nil {
		t.Fatalf("GetChangesAfter() = %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("change log has %d rows, want 2", len(changes))
	}
	if changes[1].Operation != "delete" {
		t.Errorf("changes[1].Operation = %s, want delete", changes[1].Operation)
	}
	if len(changes[1].Payload) != 0 {
		t.Errorf("delete change carries a payload: %s", changes[1].Payload)
	}
}

func TestGetChangesAfter_Pagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	muts := make([]collection.Mutation, 5)
	for i := range muts {
		muts[i] = insertMutation(
			string(rune('a'+i)),
			map[string]any{"n": i},
		)
	}
	if _, err := s.ApplyMutations(ctx, "todos", muts); err != nil {
		t.Fatalf("ApplyMutations() = %v", err)
	}

	page1, err := s.GetChangesAfter(ctx, "todos", 0, 2)
	if err != nil {
		t.Fatalf("page1: %v", err)
	}
	if len(page1) != 2 || page1[0].Sequence != 1 || page1[1].Sequence != 2 {
		t.Fatalf("page1 = %+v, want sequences [1 2]", page1)
	}

	page2, err := s.GetChangesAfter(ctx, "todos", page1[1].Sequence, 10)
	if err != nil {
		t.Fatalf("page2: %v", err)
	}
	if len(page2) != 3 || page2[0].Sequence != 3 {
		t.Fatalf("page2 = %+v, want sequences [3 4 5]", page2)
	}

	head, err := s.GetLatestSequence(ctx, "todos")
	if err != nil {
		t.Fatalf("GetLatestSequence() = %v", err)
	}
	if head != 5 {
		t.Errorf("GetLatestSequence() = %d, want 5", head)
	}
}

func TestGetChangesAfter_ScopedToCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.ApplyMutations(ctx, "todos", []collection.Mutation{
		insertMutation("t1", map[string]any{"v": 1}),
	}); err != nil {
		t.Fatalf("todos insert: %v", err)
	}
	if _, err := s.ApplyMutations(ctx, "notes", []collection.Mutation{
		insertMutation("n1", map[string]any{"v": 2}),
	}); err != nil {
		t.Fatalf("notes insert: %v", err)
	}

	changes, err := s.GetChangesAfter(ctx, "todos", 0, 10)
	if err != nil {
		t.Fatalf("GetChangesAfter() = %v", err)
	}
	if len(changes) != 1 || changes[0].TrackingID != "t1" {
		t.Errorf("changes = %+v, want only the todos row", changes)
	}
}

func TestCompactChangeLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	muts := []collection.Mutation{
		insertMutation("t1", map[string]any{"v": 1}),
		insertMutation("t2", map[string]any{"v": 2}),
		insertMutation("t3", map[string]any{"v": 3}),
	}
	if _, err := s.ApplyMutations(ctx, "todos", muts); err != nil {
		t.Fatalf("ApplyMutations() = %v", err)
	}

	removed, err := s.CompactChangeLog(ctx, "todos", 2)
	if err != nil {
		t.Fatalf("CompactChangeLog() = %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	changes, err := s.GetChangesAfter(ctx, "todos", 0, 10)
	if err != nil {
		t.Fatalf("GetChangesAfter() = %v", err)
	}
	if len(changes) != 1 || changes[0].Sequence != 3 {
		t.Errorf("remaining changes = %+v, want only sequence 3", changes)
	}

	// Records survive compaction.
	if _, err := s.GetRecord(ctx, "t1"); err != nil {
		t.Errorf("GetRecord(t1) after compaction = %v", err)
	}
}

func TestHandler_AdaptsOnMutation(t *testing.T) {
	s := newTestStore(t)

	h := s.Handler("todos")
	if err := h([]collection.Mutation{
		insertMutation("t1", map[string]any{"title": "a"}),
	}); err != nil {
		t.Fatalf("Handler() = %v", err)
	}

	rec, err := s.GetRecord(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetRecord() = %v", err)
	}
	if rec["title"] != "a" {
		t.Errorf("record = %v", rec)
	}
}
