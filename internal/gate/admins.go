package gate

import (
	"slices"
	"sync/atomic"
)

// AdminSet is the live set of admin user ids. Config reloads swap it
// atomically.
type AdminSet struct {
	p atomic.Pointer[map[int64]struct{}]
}

func NewAdminSet(ids []int64) *AdminSet {
	a := &AdminSet{}
	a.Set(ids)
	return a
}

func (a *AdminSet) Set(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id != 0 {
			m[id] = struct{}{}
		}
	}
	a.p.Store(&m)
}

func (a *AdminSet) Has(id int64) bool {
	if a == nil {
		return false
	}
	m := a.p.Load()
	if m == nil {
		return false
	}
	_, ok := (*m)[id]
	return ok
}

// IDs returns the admin ids in ascending order.
func (a *AdminSet) IDs() []int64 {
	m := a.p.Load()
	if m == nil {
		return nil
	}
	out := make([]int64, 0, len(*m))
	for id := range *m {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
