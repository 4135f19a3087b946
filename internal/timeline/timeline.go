// Package timeline implements the time-bucketed deadline index used by the
// queue sweeps.
//
// Time is divided into slots of discr seconds starting at head. Slot 0 is
// the oldest slot that has not been truncated yet. An id lives in at most
// one slot at a time.
package timeline

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/netschedule/pkg/types"
)

// IDSet is a set of job ids.
type IDSet map[types.JobID]struct{}

// NewIDSet builds a set holding ids.
func NewIDSet(ids ...types.JobID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Add(id types.JobID) { s[id] = struct{}{} }

// Remove deletes id and reports whether it was present.
func (s IDSet) Remove(id types.JobID) bool {
	if _, ok := s[id]; !ok {
		return false
	}
	delete(s, id)
	return true
}

func (s IDSet) Has(id types.JobID) bool {
	_, ok := s[id]
	return ok
}

// Union adds every member of other to s.
func (s IDSet) Union(other IDSet) {
	for id := range other {
		s[id] = struct{}{}
	}
}

func (s IDSet) Len() int { return len(s) }

// Slice returns the members in ascending order.
func (s IDSet) Slice() []types.JobID {
	out := make([]types.JobID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Timeline maps deadline slots to id sets.
type Timeline struct {
	mu    sync.Mutex
	discr int64
	head  int64
	slots []IDSet // nil entries are empty slots
	now   func() int64
}

// Option customises a Timeline.
type Option func(*Timeline)

// WithNow sets the clock used when the timeline resets itself after a
// truncation past its end.
func WithNow(now func() int64) Option {
	return func(t *Timeline) {
		if now != nil {
			t.now = now
		}
	}
}

// New creates a timeline whose head is now rounded down to discr.
// A non-positive discr is treated as one second.
func New(discr, now int64, opts ...Option) *Timeline {
	if discr <= 0 {
		discr = 1
	}
	t := &Timeline{
		discr: discr,
		now:   func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		opt(t)
	}
	t.reset(now)
	return t
}

// AddObject schedules id at deadline. Deadlines before head are clamped to
// head.
func (t *Timeline) AddObject(deadline int64, id types.JobID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addLocked(deadline, id)
}

// RemoveObjectAt removes id from the slot of deadline. It returns false when
// deadline precedes head or the id is not in that slot.
func (t *Timeline) RemoveObjectAt(deadline int64, id types.JobID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeAtLocked(deadline, id)
}

// RemoveObject removes id from every slot. Used when the deadline is unknown.
func (t *Timeline) RemoveObject(id types.JobID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeAllLocked(id)
}

// MoveObject reschedules id from oldDeadline to newDeadline. When id is not
// found at oldDeadline every slot is scanned, so callers need not know
// whether id was ever scheduled.
func (t *Timeline) MoveObject(oldDeadline, newDeadline int64, id types.JobID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.removeAtLocked(oldDeadline, id) {
		t.removeAllLocked(id)
	}
	t.addLocked(newDeadline, id)
}

// EnumerateObjects returns the union of slots 0..slot inclusive.
func (t *Timeline) EnumerateObjects(slot int) IDSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(IDSet)
	for i := 0; i <= slot && i < len(t.slots); i++ {
		out.Union(t.slots[i])
	}
	return out
}

// TimeLineSlot returns the slot index of tm. It panics when tm precedes
// head; callers must clamp first.
func (t *Timeline) TimeLineSlot(tm int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slotLocked(tm)
}

// HeadTruncate discards slots 0..slot and advances head accordingly. When
// that covers every slot the timeline restarts with one empty slot at the
// current time.
func (t *Timeline) HeadTruncate(slot int) {
	if slot < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot+1 >= len(t.slots) {
		t.reset(t.now())
		return
	}
	t.head += int64(slot+1) * t.discr
	clear(t.slots[:slot+1])
	t.slots = t.slots[slot+1:]
}

// Head returns the time origin of slot 0.
func (t *Timeline) Head() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.head
}

// DiscrFactor returns the slot width in seconds.
func (t *Timeline) DiscrFactor() int64 { return t.discr }

// Len returns the number of slots currently held.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// Count returns the number of scheduled ids.
func (t *Timeline) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.slots {
		n += len(s)
	}
	return n
}

func (t *Timeline) reset(now int64) {
	t.head = now / t.discr * t.discr
	t.slots = []IDSet{nil}
}

func (t *Timeline) slotLocked(tm int64) int {
	if tm < t.head {
		panic(fmt.Sprintf("timeline: time %d precedes head %d", tm, t.head))
	}
	return int((tm/t.discr*t.discr - t.head) / t.discr)
}

func (t *Timeline) addLocked(deadline int64, id types.JobID) {
	if deadline < t.head {
		deadline = t.head
	}
	slot := t.slotLocked(deadline)
	for len(t.slots) <= slot {
		t.slots = append(t.slots, nil)
	}
	if t.slots[slot] == nil {
		t.slots[slot] = make(IDSet)
	}
	t.slots[slot].Add(id)
}

func (t *Timeline) removeAtLocked(deadline int64, id types.JobID) bool {
	if deadline < t.head {
		return false
	}
	slot := t.slotLocked(deadline)
	if slot >= len(t.slots) || t.slots[slot] == nil {
		return false
	}
	return t.slots[slot].Remove(id)
}

func (t *Timeline) removeAllLocked(id types.JobID) {
	for _, s := range t.slots {
		if s != nil {
			s.Remove(id)
		}
	}
}
