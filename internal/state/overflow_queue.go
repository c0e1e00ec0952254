package state

// OverflowQueue tracks bands the scanner deferred past its execution
// budget. Entries wait for an authorized keeper to finish them; each is
// re-validated against live state at processing time, so a stale entry is
// dropped rather than fired.
type OverflowQueue struct {
	order   []BandKey
	present map[BandKey]struct{}
}

func NewOverflowQueue() *OverflowQueue {
	return &OverflowQueue{
		present: make(map[BandKey]struct{}),
	}
}

// Push enqueues a band. Re-deferrals of a band already queued are no-ops.
func (q *OverflowQueue) Push(band BandKey) {
	if _, ok := q.present[band]; ok {
		return
	}
	q.present[band] = struct{}{}
	q.order = append(q.order, band)
}

// Contains reports whether a band is queued.
func (q *OverflowQueue) Contains(band BandKey) bool {
	_, ok := q.present[band]
	return ok
}

// Remove drops a band from the queue, keeping FIFO order for the rest.
func (q *OverflowQueue) Remove(band BandKey) {
	if _, ok := q.present[band]; !ok {
		return
	}
	delete(q.present, band)
	for i, b := range q.order {
		if b == band {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Pending returns the queued bands in FIFO order.
func (q *OverflowQueue) Pending() []BandKey {
	out := make([]BandKey, len(q.order))
	copy(out, q.order)
	return out
}

// Len returns the queue depth.
func (q *OverflowQueue) Len() int {
	return len(q.order)
}

// Restore rebuilds the queue from a snapshot, preserving order.
func (q *OverflowQueue) Restore(bands []BandKey) {
	q.order = q.order[:0]
	q.present = make(map[BandKey]struct{}, len(bands))
	for _, b := range bands {
		q.Push(b)
	}
}
