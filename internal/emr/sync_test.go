package emr

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

type fakePuller struct {
	pages map[int]*Page
	calls []int
	err   error
}

func (p *fakePuller) Pull(ctx context.Context, resource string, modifiedSince time.Time, page int) (*Page, error) {
	p.calls = append(p.calls, page)
	if p.err != nil {
		return nil, p.err
	}
	result, ok := p.pages[page]
	if !ok {
		return &Page{}, nil
	}
	return result, nil
}

type memCursors struct {
	cursors map[string]Cursor
	saves   int
}

func newMemCursors() *memCursors {
	return &memCursors{cursors: make(map[string]Cursor)}
}

func (s *memCursors) Get(ctx context.Context, resourceKey string) (Cursor, error) {
	if cur, ok := s.cursors[resourceKey]; ok {
		return cur, nil
	}
	return Cursor{ResourceKey: resourceKey}, nil
}

func (s *memCursors) Save(ctx context.Context, cur Cursor) error {
	s.cursors[cur.ResourceKey] = cur
	s.saves++
	return nil
}

type recordingMerger struct {
	merged []string
	err    error
}

func (m *recordingMerger) Merge(ctx context.Context, item Item) error {
	if m.err != nil {
		return m.err
	}
	m.merged = append(m.merged, item.ID)
	return nil
}

func item(id string, modified time.Time) Item {
	raw, _ := json.Marshal(map[string]any{"id": id, "last_modified": modified})
	return Item{ID: id, LastModified: modified, Payload: raw}
}

func TestPullFullPassAdvancesCursor(t *testing.T) {
	t1 := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	puller := &fakePuller{pages: map[int]*Page{
		1: {Items: []Item{item("a", t1), item("b", t2)}, Pager: &Pager{Page: 1, Pages: 2}},
		2: {Items: []Item{item("c", t1)}, Pager: &Pager{Page: 2, Pages: 2}},
	}}
	cursors := newMemCursors()
	merger := &recordingMerger{}
	engine := NewSyncEngine(puller, cursors, map[string]Merger{ResourceInvoice: merger}, 5, nil, nil)

	if err := engine.Pull(context.Background(), ResourceInvoice); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(merger.merged) != 3 {
		t.Fatalf("merged = %v, want 3 items", merger.merged)
	}

	cur := cursors.cursors[ResourceInvoice]
	if !cur.LastModified.Equal(t2) {
		t.Errorf("LastModified = %v, want %v", cur.LastModified, t2)
	}
	if cur.LastPage != nil {
		t.Errorf("LastPage = %v, want nil after full pass", *cur.LastPage)
	}
}

func TestPullBudgetExhaustedKeepsOldMark(t *testing.T) {
	t1 := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	mark := t1.Add(-24 * time.Hour)
	puller := &fakePuller{pages: map[int]*Page{
		1: {Items: []Item{item("a", t1)}, Pager: &Pager{Page: 1, Pages: 10}},
		2: {Items: []Item{item("b", t1)}, Pager: &Pager{Page: 2, Pages: 10}},
	}}
	cursors := newMemCursors()
	cursors.cursors[ResourceInvoice] = Cursor{ResourceKey: ResourceInvoice, LastModified: mark}
	merger := &recordingMerger{}
	engine := NewSyncEngine(puller, cursors, map[string]Merger{ResourceInvoice: merger}, 2, nil, nil)

	if err := engine.Pull(context.Background(), ResourceInvoice); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	cur := cursors.cursors[ResourceInvoice]
	if !cur.LastModified.Equal(mark) {
		t.Errorf("LastModified advanced mid-pull: %v", cur.LastModified)
	}
	if cur.LastPage == nil || *cur.LastPage != 3 {
		t.Errorf("LastPage = %v, want 3", cur.LastPage)
	}
}

func TestPullResumesFromPersistedPage(t *testing.T) {
	t1 := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	resume := 3
	puller := &fakePuller{pages: map[int]*Page{
		3: {Items: []Item{item("c", t1)}, Pager: &Pager{Page: 3, Pages: 3}},
	}}
	cursors := newMemCursors()
	cursors.cursors[ResourceInvoice] = Cursor{ResourceKey: ResourceInvoice, LastPage: &resume}
	merger := &recordingMerger{}
	engine := NewSyncEngine(puller, cursors, map[string]Merger{ResourceInvoice: merger}, 5, nil, nil)

	if err := engine.Pull(context.Background(), ResourceInvoice); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(puller.calls) != 1 || puller.calls[0] != 3 {
		t.Errorf("calls = %v, want [3]", puller.calls)
	}
	if cur := cursors.cursors[ResourceInvoice]; cur.LastPage != nil {
		t.Errorf("LastPage not cleared after completing the pass")
	}
}

func TestPullDeduplicatesWithinBatch(t *testing.T) {
	t1 := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	// The same record shifts pages between requests; it must merge once.
	puller := &fakePuller{pages: map[int]*Page{
		1: {Items: []Item{item("a", t1), item("b", t1)}, Pager: &Pager{Page: 1, Pages: 2}},
		2: {Items: []Item{item("b", t1), item("c", t1)}, Pager: &Pager{Page: 2, Pages: 2}},
	}}
	cursors := newMemCursors()
	merger := &recordingMerger{}
	engine := NewSyncEngine(puller, cursors, map[string]Merger{ResourceInvoice: merger}, 5, nil, nil)

	if err := engine.Pull(context.Background(), ResourceInvoice); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(merger.merged) != 3 {
		t.Errorf("merged = %v, want a,b,c exactly once", merger.merged)
	}
}

func TestPullMergeFailureStopsWithoutCursorWrite(t *testing.T) {
	t1 := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	puller := &fakePuller{pages: map[int]*Page{
		1: {Items: []Item{item("a", t1)}},
	}}
	cursors := newMemCursors()
	merger := &recordingMerger{err: fmt.Errorf("mirror down")}
	engine := NewSyncEngine(puller, cursors, map[string]Merger{ResourceInvoice: merger}, 5, nil, nil)

	if err := engine.Pull(context.Background(), ResourceInvoice); err == nil {
		t.Fatal("expected merge error")
	}
	if cursors.saves != 0 {
		t.Errorf("cursor saved despite failed merge")
	}
}

func TestPullAllReportsFirstError(t *testing.T) {
	puller := &fakePuller{err: fmt.Errorf("emr unreachable")}
	engine := NewSyncEngine(puller, newMemCursors(), map[string]Merger{
		ResourceInvoice:  &recordingMerger{},
		ResourceDocument: &recordingMerger{},
	}, 5, nil, nil)

	if err := engine.PullAll(context.Background()); err == nil {
		t.Fatal("expected error from PullAll")
	}
	if len(puller.calls) != 2 {
		t.Errorf("calls = %d, want one attempt per resource", len(puller.calls))
	}
}
