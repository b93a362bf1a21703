package signal

import "github.com/gregtusar/autotrader/pkg/models"

// History is a fixed-capacity ring buffer of market states. It is owned by a
// single goroutine and is not safe for concurrent use.
type History struct {
	buf   []models.MarketState
	start int
	size  int
}

func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{buf: make([]models.MarketState, capacity)}
}

func (h *History) Push(s models.MarketState) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = s
		h.size++
		return
	}
	h.buf[h.start] = s
	h.start = (h.start + 1) % len(h.buf)
}

func (h *History) Len() int { return h.size }

func (h *History) Cap() int { return len(h.buf) }

// States returns a copy of the buffered states, oldest first.
func (h *History) States() []models.MarketState {
	out := make([]models.MarketState, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

func (h *History) Latest() (models.MarketState, bool) {
	if h.size == 0 {
		return models.MarketState{}, false
	}
	return h.buf[(h.start+h.size-1)%len(h.buf)], true
}

func (h *History) Reset() {
	h.start, h.size = 0, 0
}
