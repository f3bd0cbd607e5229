package transport

// Completion is a caller-owned completion descriptor. Count is the number of
// operations that must finish before Func fires; Status keeps the first
// failure reported.
type Completion struct {
	Func   func(c *Completion)
	Count  int
	Status Status
}

// NewCompletion creates a completion expecting count operations.
func NewCompletion(count int, fn func(c *Completion)) *Completion {
	return &Completion{Func: fn, Count: count, Status: StatusOK}
}

// Invoke reports one finished operation.
func (c *Completion) Invoke(status Status) {
	if status != StatusOK && c.Status == StatusOK {
		c.Status = status
	}
	c.Count--
	if c.Count == 0 && c.Func != nil {
		c.Func(c)
	}
}

// IOV is one scatter/gather element. The total length of an element is
// Length*Count.
type IOV struct {
	Buffer uint64
	Length uint64
	Memh   MemHandle
	Stride uint64
	Count  uint64
}

// SingleIOV returns a one-element vector covering [buffer, buffer+length).
func SingleIOV(buffer, length uint64, memh MemHandle) []IOV {
	return []IOV{{Buffer: buffer, Length: length, Memh: memh, Count: 1}}
}

// TotalLength sums Length*Count over iov.
func TotalLength(iov []IOV) uint64 {
	var total uint64
	for _, v := range iov {
		total += v.Length * v.Count
	}
	return total
}

// PendingRequest is a deferred send a caller wants retried once resources
// free up.
type PendingRequest struct {
	Func func(r *PendingRequest) Status
}
