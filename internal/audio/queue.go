package audio

// FrameQueue buffers opaque audio frames that arrive before the upstream leg
// is ready. FIFO with a fixed capacity: frames beyond capacity are dropped
// (newest first to drop), existing frames are never reordered or duplicated.
//
// The queue is owned by exactly one session and only touched from that
// session's event loop, so it carries no lock.
type FrameQueue struct {
	frames  []string
	head    int
	size    int
	dropped int
}

// NewFrameQueue creates a queue holding at most capacity frames.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{frames: make([]string, capacity)}
}

// Push appends a frame. Returns false when the queue is full and the frame
// was dropped.
func (q *FrameQueue) Push(payload string) bool {
	if q.size == len(q.frames) {
		q.dropped++
		return false
	}
	q.frames[(q.head+q.size)%len(q.frames)] = payload
	q.size++
	return true
}

// Drain returns all buffered frames in arrival order and empties the queue.
func (q *FrameQueue) Drain() []string {
	if q.size == 0 {
		return nil
	}
	out := make([]string, q.size)
	for i := 0; i < q.size; i++ {
		idx := (q.head + i) % len(q.frames)
		out[i] = q.frames[idx]
		q.frames[idx] = ""
	}
	q.head = 0
	q.size = 0
	return out
}

// Len returns the number of buffered frames.
func (q *FrameQueue) Len() int {
	return q.size
}

// Dropped returns how many frames were discarded because the queue was full.
func (q *FrameQueue) Dropped() int {
	return q.dropped
}
