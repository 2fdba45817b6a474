package cluster

// ring hands out members round-robin. Once a health check has been recorded
// through markLive, only members that passed it are handed out until the
// membership changes again. Callers hold their own lock.
type ring[T any] struct {
	members []T
	live    []T
	checked bool
	next    int
	gen     int
}

func (r *ring[T]) reset(members []T) {
	r.members = members
	r.live = nil
	r.checked = false
	r.next = 0
	r.gen++
}

// markLive records the members that passed a health check started at
// generation gen. A check that raced with a reset is ignored.
func (r *ring[T]) markLive(gen int, live []T) {
	if gen != r.gen {
		return
	}
	r.live = live
	r.checked = true
}

// pick returns the next member to use. ok is false when there is none.
func (r *ring[T]) pick() (m T, ok bool) {
	pool := r.members
	if r.checked {
		pool = r.live
	}
	if len(pool) == 0 {
		return m, false
	}
	m = pool[r.next%len(pool)]
	r.next = (r.next + 1) % len(pool)
	return m, true
}
