package sim

import (
	"fmt"

	"github.com/yuuki/cudaipc/internal/cuda"
)

// streamOp is one enqueued copy. Addresses are resolved when the op runs so a
// mapping closed in between surfaces as an illegal-address error.
type streamOp struct {
	seq  uint64
	dst  cuda.DevicePtr
	src  cuda.DevicePtr
	size uint64
}

type stream struct {
	ops     []streamOp
	lastSeq uint64
	err     error
}

type event struct {
	stream *stream
	seq    uint64
	polls  int
}

func (p *Process) newObject() uintptr {
	p.nextObj++
	return p.nextObj
}

func (p *Process) StreamCreate() (cuda.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("cuStreamCreate"); err != nil {
		return 0, err
	}
	s := cuda.Stream(p.newObject())
	p.streams[s] = &stream{}
	return s, nil
}

func (p *Process) StreamDestroy(s cuda.Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("cuStreamDestroy"); err != nil {
		return err
	}
	if _, ok := p.streams[s]; !ok {
		return cuda.NewError("cuStreamDestroy", cuda.ErrorInvalidHandle, fmt.Sprintf("stream %d", s))
	}
	delete(p.streams, s)
	return nil
}

func (p *Process) EventCreate() (cuda.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("cuEventCreate"); err != nil {
		return 0, err
	}
	e := cuda.Event(p.newObject())
	p.events[e] = &event{}
	return e, nil
}

func (p *Process) EventDestroy(e cuda.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter("cuEventDestroy"); err != nil {
		return err
	}
	if _, ok := p.events[e]; !ok {
		return cuda.NewError("cuEventDestroy", cuda.ErrorInvalidHandle, fmt.Sprintf("event %d", e))
	}
	delete(p.events, e)
	return nil
}

func (p *Process) MemcpyDtoDAsync(dst, src cuda.DevicePtr, size uint64, s cuda.Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	const op = "cuMemcpyDtoDAsync"
	if err := p.enter(op); err != nil {
		return err
	}
	st, ok := p.streams[s]
	if !ok {
		return cuda.NewError(op, cuda.ErrorInvalidHandle, fmt.Sprintf("stream %d", s))
	}
	if _, ok := p.resolve(dst, size); !ok {
		return cuda.NewError(op, cuda.ErrorInvalidValue, fmt.Sprintf("dst 0x%x len %d", dst, size))
	}
	if _, ok := p.resolve(src, size); !ok {
		return cuda.NewError(op, cuda.ErrorInvalidValue, fmt.Sprintf("src 0x%x len %d", src, size))
	}
	st.lastSeq++
	st.ops = append(st.ops, streamOp{seq: st.lastSeq, dst: dst, src: src, size: size})
	return nil
}

func (p *Process) EventRecord(e cuda.Event, s cuda.Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	const op = "cuEventRecord"
	if err := p.enter(op); err != nil {
		return err
	}
	ev, ok := p.events[e]
	if !ok {
		return cuda.NewError(op, cuda.ErrorInvalidHandle, fmt.Sprintf("event %d", e))
	}
	st, ok := p.streams[s]
	if !ok {
		return cuda.NewError(op, cuda.ErrorInvalidHandle, fmt.Sprintf("stream %d", s))
	}
	ev.stream = st
	ev.seq = st.lastSeq
	ev.polls = p.host.currentQueryDelay()
	return nil
}

func (p *Process) EventQuery(e cuda.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	const op = "cuEventQuery"
	if err := p.enter(op); err != nil {
		return err
	}
	ev, ok := p.events[e]
	if !ok {
		return cuda.NewError(op, cuda.ErrorInvalidHandle, fmt.Sprintf("event %d", e))
	}
	if ev.stream == nil {
		return nil
	}
	if ev.polls > 0 {
		ev.polls--
		return cuda.NewError(op, cuda.ErrorNotReady, "")
	}
	if err := p.drain(ev.stream, ev.seq); err != nil {
		return cuda.NewError(op, cuda.ErrorIllegalAddress, err.Error())
	}
	return nil
}

// drain executes the ops of st up to and including seq. Caller holds p.mu.
func (p *Process) drain(st *stream, seq uint64) error {
	if st.err != nil {
		return st.err
	}
	n := 0
	for _, o := range st.ops {
		if o.seq > seq {
			break
		}
		dst, ok := p.resolve(o.dst, o.size)
		if !ok {
			st.err = fmt.Errorf("dst 0x%x is no longer mapped", o.dst)
			return st.err
		}
		src, ok := p.resolve(o.src, o.size)
		if !ok {
			st.err = fmt.Errorf("src 0x%x is no longer mapped", o.src)
			return st.err
		}
		copy(dst, src)
		n++
	}
	st.ops = st.ops[n:]
	return nil
}
