package transport

import (
	"sync"
	"time"

	"github.com/insightloop/insight-client/internal/metrics"
	"github.com/insightloop/insight-client/internal/protocol"
)

// Outbound queue bounds. Frames written while disconnected wait here; the
// cap bounds memory during a long outage and the retention window keeps a
// reconnect from replaying stale typing indicators and heartbeats.
const (
	maxQueuedFrames = 100
	queueRetention  = 5 * time.Minute
)

type queuedFrame struct {
	frame      *protocol.Frame
	enqueuedAt time.Time
}

// outboundQueue is an ordered, capped frame buffer. Oldest entries drop
// first when the cap is hit; Drain purges entries older than the retention
// window so flushes only replay recent traffic.
type outboundQueue struct {
	mu     sync.Mutex
	frames []queuedFrame
	now    func() time.Time
}

func newOutboundQueue() *outboundQueue {
	return &outboundQueue{now: time.Now}
}

// Push appends a frame, evicting the oldest entry if the queue is full.
func (q *outboundQueue) Push(f *protocol.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.frames = append(q.frames, queuedFrame{frame: f, enqueuedAt: q.now()})
	if len(q.frames) > maxQueuedFrames {
		q.frames = q.frames[1:]
	}
	metrics.OutboundQueueDepth.Set(float64(len(q.frames)))
}

// Drain removes and returns all retained frames in enqueue order.
func (q *outboundQueue) Drain() []*protocol.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.now().Add(-queueRetention)
	out := make([]*protocol.Frame, 0, len(q.frames))
	for _, e := range q.frames {
		if e.enqueuedAt.Before(cutoff) {
			continue
		}
		out = append(out, e.frame)
	}
	q.frames = q.frames[:0]
	metrics.OutboundQueueDepth.Set(0)
	return out
}

// Requeue puts frames back at the front after a failed flush, preserving
// their relative order ahead of anything queued meanwhile.
func (q *outboundQueue) Requeue(frames []*protocol.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]queuedFrame, 0, len(frames)+len(q.frames))
	now := q.now()
	for _, f := range frames {
		entries = append(entries, queuedFrame{frame: f, enqueuedAt: now})
	}
	entries = append(entries, q.frames...)
	if len(entries) > maxQueuedFrames {
		entries = entries[len(entries)-maxQueuedFrames:]
	}
	q.frames = entries
	metrics.OutboundQueueDepth.Set(float64(len(q.frames)))
}

// Len returns the number of queued frames.
func (q *outboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Clear discards all queued frames.
func (q *outboundQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = q.frames[:0]
	metrics.OutboundQueueDepth.Set(0)
}
