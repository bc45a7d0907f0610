package bridge

import "strconv"

// Handle is a slot index plus a generation. A slot's generation moves on
// every removal, so a handle to a closed object never matches a newer one.
// The zero Handle is never issued.
type Handle uint64

func makeHandle(index, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(index))
}

func (h Handle) index() uint32      { return uint32(h) }
func (h Handle) generation() uint32 { return uint32(h >> 32) }

func (h Handle) String() string {
	return strconv.FormatUint(uint64(h), 16)
}

// ParseHandle reads the form produced by Handle.String
func ParseHandle(s string) (Handle, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, err
	}
	return Handle(v), nil
}

type (
	DocumentHandle Handle
	PageHandle     Handle
	TextPageHandle Handle
)

func (h DocumentHandle) String() string { return Handle(h).String() }
func (h PageHandle) String() string     { return Handle(h).String() }
func (h TextPageHandle) String() string { return Handle(h).String() }

type arenaSlot[T any] struct {
	generation uint32
	live       bool
	value      T
}

// arena is not safe for concurrent use; the Bridge guards it.
type arena[T any] struct {
	slots []arenaSlot[T]
	free  []uint32
	count int
}

func (a *arena[T]) insert(v T) Handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, arenaSlot[T]{generation: 1})
		idx = uint32(len(a.slots) - 1)
	}
	slot := &a.slots[idx]
	slot.live = true
	slot.value = v
	a.count++
	return makeHandle(idx, slot.generation)
}

func (a *arena[T]) get(h Handle) (T, bool) {
	var zero T
	idx := h.index()
	if h == 0 || int(idx) >= len(a.slots) {
		return zero, false
	}
	slot := &a.slots[idx]
	if !slot.live || slot.generation != h.generation() {
		return zero, false
	}
	return slot.value, true
}

func (a *arena[T]) remove(h Handle) (T, bool) {
	v, ok := a.get(h)
	if !ok {
		return v, false
	}
	slot := &a.slots[h.index()]
	var zero T
	slot.value = zero
	slot.live = false
	slot.generation++
	if slot.generation == 0 {
		slot.generation = 1
	}
	a.free = append(a.free, h.index())
	a.count--
	return v, true
}

func (a *arena[T]) len() int { return a.count }
