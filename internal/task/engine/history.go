package engine

import "sync"

// History is a bounded, most-recent-first store of finished jobs.
type History struct {
	mu    sync.Mutex
	limit int
	items []FinishedJob
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 1
	}
	return &History{limit: limit}
}

// Push inserts f at the front and evicts the oldest records beyond the limit.
func (h *History) Push(f FinishedJob) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, FinishedJob{})
	copy(h.items[1:], h.items)
	h.items[0] = f
	h.trimLocked()
}

// Resize changes the limit, evicting the oldest records if needed.
func (h *History) Resize(limit int) {
	if limit <= 0 {
		limit = 1
	}
	h.mu.Lock()
	h.limit = limit
	h.trimLocked()
	h.mu.Unlock()
}

func (h *History) trimLocked() {
	if len(h.items) <= h.limit {
		return
	}
	for i := h.limit; i < len(h.items); i++ {
		h.items[i] = FinishedJob{} // release closures held by evicted specs
	}
	h.items = h.items[:h.limit]
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

// Items returns a copy, most recent first.
func (h *History) Items() []FinishedJob {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]FinishedJob, len(h.items))
	copy(out, h.items)
	return out
}
