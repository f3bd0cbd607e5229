package cudaipc

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/yuuki/cudaipc/internal/cuda"
	"github.com/yuuki/cudaipc/internal/transport"
)

// eventDesc pairs a device completion marker with the caller's completion.
// It is either in the pool's free list or linked into exactly one queue.
type eventDesc struct {
	event  cuda.Event
	comp   *transport.Completion
	next   *eventDesc
	length uint64
}

// eventPool hands out eventDescs, creating driver events in chunks up to a
// fixed total.
type eventPool struct {
	drv   cuda.Driver
	chunk int
	limit int
	free  []*eventDesc
	all   []*eventDesc
}

func newEventPool(drv cuda.Driver, chunk, limit int) *eventPool {
	if chunk <= 0 {
		chunk = 1
	}
	if limit < chunk {
		limit = chunk
	}
	return &eventPool{drv: drv, chunk: chunk, limit: limit}
}

// get returns a free eventDesc, growing the pool by one chunk when empty.
func (p *eventPool) get() (*eventDesc, error) {
	if len(p.free) == 0 {
		if err := p.grow(); err != nil {
			return nil, err
		}
	}
	d := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return d, nil
}

func (p *eventPool) grow() error {
	n := p.chunk
	if room := p.limit - len(p.all); room < n {
		n = room
	}
	if n <= 0 {
		return fmt.Errorf("%w: completion event pool exhausted (%d objects)", transport.StatusNoMemory, p.limit)
	}

	created := 0
	for i := 0; i < n; i++ {
		ev, err := p.drv.EventCreate()
		if err != nil {
			log.Error().Err(err).Int("created", created).Msg("Failed to create completion event")
			if created == 0 {
				return fmt.Errorf("%w: failed to grow completion event pool: %w", transport.StatusIOError, err)
			}
			break
		}
		d := &eventDesc{event: ev}
		p.all = append(p.all, d)
		p.free = append(p.free, d)
		created++
	}

	log.Debug().Int("created", created).Int("total", len(p.all)).Msg("Completion event pool grown")
	return nil
}

// put returns d to the free list.
func (p *eventPool) put(d *eventDesc) {
	d.comp = nil
	d.next = nil
	d.length = 0
	p.free = append(p.free, d)
}

// size returns the number of events created so far.
func (p *eventPool) size() int {
	return len(p.all)
}

// destroy releases every driver event the pool created.
func (p *eventPool) destroy() error {
	var errs error
	for _, d := range p.all {
		if err := p.drv.EventDestroy(d.event); err != nil {
			log.Error().Err(err).Msg("Failed to destroy completion event")
			errs = multierr.Append(errs, err)
		}
	}
	p.all = nil
	p.free = nil
	return errs
}

// eventQueue is a FIFO of eventDescs linked through eventDesc.next.
type eventQueue struct {
	head *eventDesc
	tail *eventDesc
	n    int
}

func (q *eventQueue) push(d *eventDesc) {
	d.next = nil
	if q.tail == nil {
		q.head = d
	} else {
		q.tail.next = d
	}
	q.tail = d
	q.n++
}

func (q *eventQueue) peek() *eventDesc {
	return q.head
}

func (q *eventQueue) pop() *eventDesc {
	d := q.head
	if d == nil {
		return nil
	}
	q.head = d.next
	if q.head == nil {
		q.tail = nil
	}
	d.next = nil
	q.n--
	return d
}

func (q *eventQueue) empty() bool {
	return q.head == nil
}

func (q *eventQueue) count() int {
	return q.n
}
