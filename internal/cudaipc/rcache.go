package cudaipc

import (
	"fmt"

	"github.com/google/btree"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/cudaipc/internal/cuda"
)

// region is a cached registration covering [start, end).
type region struct {
	start    uint64
	end      uint64
	reg      Registration
	refcount int
}

// view returns a registration of [addr, addr+length) backed by r.
func (r *region) view(addr cuda.DevicePtr, length uint64) *Registration {
	reg := r.reg
	reg.Address = addr
	reg.Length = length
	reg.region = r
	return &reg
}

func regionLess(a, b *region) bool {
	if a.start != b.start {
		return a.start < b.start
	}
	return a.end < b.end
}

// regCache keeps registrations keyed by aligned address range. Regions with
// no users stay registered in an LRU of bounded size and are deregistered
// when evicted.
type regCache struct {
	align      uint64
	regions    *btree.BTreeG[*region]
	idle       *lru.Cache
	register   func(cuda.DevicePtr, uint64) (*Registration, error)
	deregister func(*Registration)
}

func newRegCache(
	align uint64,
	maxIdle int,
	register func(cuda.DevicePtr, uint64) (*Registration, error),
	deregister func(*Registration),
) (*regCache, error) {
	if align == 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("alignment %d is not a power of two", align)
	}

	rc := &regCache{
		align:      align,
		regions:    btree.NewG[*region](16, regionLess),
		register:   register,
		deregister: deregister,
	}

	idle, err := lru.NewWithEvict(maxIdle, rc.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create idle region list: %w", err)
	}
	rc.idle = idle
	return rc, nil
}

// get returns a registration covering [addr, addr+length), reusing a cached
// region when one contains the aligned range. Every call gets its own
// Registration carrying the requested range.
func (rc *regCache) get(addr cuda.DevicePtr, length uint64) (*Registration, bool, error) {
	start := uint64(addr) &^ (rc.align - 1)
	end := (uint64(addr) + length + rc.align - 1) &^ (rc.align - 1)

	if r := rc.find(start, end); r != nil {
		r.refcount++
		if r.refcount == 1 {
			rc.idle.Remove(r)
		}
		log.Trace().Uint64("start", r.start).Uint64("end", r.end).Int("refcount", r.refcount).Msg("Registration cache hit")
		return r.view(addr, length), true, nil
	}

	reg, err := rc.register(addr, length)
	if err != nil {
		return nil, false, err
	}

	// never let a region reach past its allocation
	base := uint64(reg.Base)
	if start < base {
		start = base
	}
	if limit := base + reg.BaseLength; end > limit {
		end = limit
	}

	r := &region{start: start, end: end, reg: *reg, refcount: 1}
	if existing, ok := rc.regions.Get(r); ok {
		// the request reached past its allocation and clamped onto a
		// region that is already cached
		rc.deregister(reg)
		existing.refcount++
		if existing.refcount == 1 {
			rc.idle.Remove(existing)
		}
		return existing.view(addr, length), true, nil
	}
	r.reg.region = r
	rc.regions.ReplaceOrInsert(r)

	log.Trace().Uint64("start", start).Uint64("end", end).Msg("Registration cache miss")
	return r.view(addr, length), false, nil
}

// find returns a region containing [start, end).
func (rc *regCache) find(start, end uint64) *region {
	var found *region
	rc.regions.DescendLessOrEqual(&region{start: start, end: ^uint64(0)}, func(r *region) bool {
		if r.end >= end {
			found = r
			return false
		}
		return true
	})
	return found
}

// put drops one reference. Unreferenced regions become idle.
func (rc *regCache) put(r *region) {
	if r.refcount <= 0 {
		log.Warn().Uint64("start", r.start).Msg("Registration cache region released twice")
		return
	}
	r.refcount--
	if r.refcount == 0 {
		rc.idle.Add(r, struct{}{})
	}
}

// onEvict runs when a region leaves the idle list, either because it was
// reused or because the list overflowed.
func (rc *regCache) onEvict(key, _ interface{}) {
	r := key.(*region)
	if r.refcount > 0 {
		return
	}
	rc.regions.Delete(r)
	rc.deregister(&r.reg)
}

// destroy deregisters every region, including ones still referenced.
func (rc *regCache) destroy() {
	rc.idle.Purge()

	var inUse []*region
	rc.regions.Ascend(func(r *region) bool {
		inUse = append(inUse, r)
		return true
	})
	for _, r := range inUse {
		log.Warn().
			Uint64("start", r.start).
			Uint64("end", r.end).
			Int("refcount", r.refcount).
			Msg("Destroying registration cache with region in use")
		rc.regions.Delete(r)
		rc.deregister(&r.reg)
	}
}

// size returns the number of cached regions.
func (rc *regCache) size() int {
	return rc.regions.Len()
}
