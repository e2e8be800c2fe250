package coalescer

import "time"

// Entry is one recorded submission.
type Entry struct {
    At      time.Time
    Request Request
    Dropped bool
}

// history is a fixed-capacity ring, oldest evicted first. Callers
// synchronize access.
type history struct {
    buf  []Entry
    next int
    full bool
}

func newHistory(capacity int) *history {
    return &history{buf: make([]Entry, capacity)}
}

func (h *history) add(e Entry) {
    if len(h.buf) == 0 { return }
    h.buf[h.next] = e
    h.next = (h.next + 1) % len(h.buf)
    if h.next == 0 { h.full = true }
}

func (h *history) entries() []Entry {
    if !h.full { return append([]Entry(nil), h.buf[:h.next]...) }
    out := make([]Entry, 0, len(h.buf))
    out = append(out, h.buf[h.next:]...)
    return append(out, h.buf[:h.next]...)
}
