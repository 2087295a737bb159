package engine

import (
	"fmt"
	"testing"
)

func TestHistoryPushTrimsOldest(t *testing.T) {
	t.Parallel()
	h := NewHistory(50)
	for i := 0; i < 53; i++ {
		h.Push(FinishedJob{ID: fmt.Sprintf("job-%d", i)})
	}
	items := h.Items()
	if len(items) != 50 {
		t.Fatalf("len = %d, want 50", len(items))
	}
	if items[0].ID != "job-52" || items[49].ID != "job-3" {
		t.Fatalf("front=%s back=%s", items[0].ID, items[49].ID)
	}
}

func TestHistoryResize(t *testing.T) {
	t.Parallel()
	h := NewHistory(5)
	for i := 0; i < 5; i++ {
		h.Push(FinishedJob{ID: fmt.Sprint(i)})
	}
	h.Resize(2)
	if got := h.Items(); len(got) != 2 || got[0].ID != "4" || got[1].ID != "3" {
		t.Fatalf("after shrink: %+v", got)
	}
	h.Resize(10)
	h.Push(FinishedJob{ID: "5"})
	if h.Len() != 3 {
		t.Fatalf("len = %d, want 3", h.Len())
	}
}

func TestHistoryItemsIsACopy(t *testing.T) {
	t.Parallel()
	h := NewHistory(2)
	h.Push(FinishedJob{ID: "a"})
	items := h.Items()
	items[0].ID = "mutated"
	if h.Items()[0].ID != "a" {
		t.Fatal("Items exposed internal storage")
	}
}
