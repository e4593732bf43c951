package notification

// DefaultHistorySize is the number of terminal records kept for inspection.
const DefaultHistorySize = 100

// history is a bounded log of acknowledged and cancelled records, oldest
// first. Not safe for concurrent use; the scheduler guards it.
type history struct {
	capacity int
	items    []Record
}

func newHistory(capacity int) *history {
	if capacity < 0 {
		capacity = 0
	}
	return &history{capacity: capacity}
}

func (h *history) add(r Record) {
	if h.capacity == 0 {
		return
	}
	h.items = append(h.items, r)
	if len(h.items) > h.capacity {
		// Copy down so the backing array does not grow without bound.
		n := copy(h.items, h.items[len(h.items)-h.capacity:])
		clear(h.items[n:])
		h.items = h.items[:n]
	}
}

func (h *history) recent() []Record {
	return append([]Record(nil), h.items...)
}
