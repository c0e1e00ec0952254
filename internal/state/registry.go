package state

import "sort"

// OwnerRegistry tracks each owner's live order references in placement
// order. Batch cancel and claim windows iterate this list from the high
// index downward; acting on a copy of the window keeps removal during the
// batch from skipping or repeating entries.
type OwnerRegistry struct {
	orders map[string][]OrderRef
}

func NewOwnerRegistry() *OwnerRegistry {
	return &OwnerRegistry{
		orders: make(map[string][]OrderRef),
	}
}

// Add appends a reference for an owner. A repeat deposit into the same
// position reuses the existing reference.
func (r *OwnerRegistry) Add(ref OrderRef) {
	refs := r.orders[ref.Owner]
	for _, existing := range refs {
		if existing == ref {
			return
		}
	}
	r.orders[ref.Owner] = append(refs, ref)
}

// Remove deletes a reference, preserving the order of the rest.
func (r *OwnerRegistry) Remove(ref OrderRef) {
	refs := r.orders[ref.Owner]
	for i, existing := range refs {
		if existing == ref {
			r.orders[ref.Owner] = append(refs[:i], refs[i+1:]...)
			if len(r.orders[ref.Owner]) == 0 {
				delete(r.orders, ref.Owner)
			}
			return
		}
	}
}

// Count returns how many orders an owner holds.
func (r *OwnerRegistry) Count(owner string) int {
	return len(r.orders[owner])
}

// List returns a copy of an owner's references in placement order.
func (r *OwnerRegistry) List(owner string) []OrderRef {
	refs := r.orders[owner]
	out := make([]OrderRef, len(refs))
	copy(out, refs)
	return out
}

// ReverseWindow returns the refs at indices [offset, offset+limit) in
// descending index order: the iteration order batch operations must use.
func (r *OwnerRegistry) ReverseWindow(owner string, offset, limit int) []OrderRef {
	refs := r.orders[owner]
	if offset < 0 || offset >= len(refs) || limit <= 0 {
		return nil
	}
	hi := offset + limit
	if hi > len(refs) {
		hi = len(refs)
	}
	out := make([]OrderRef, 0, hi-offset)
	for i := hi - 1; i >= offset; i-- {
		out = append(out, refs[i])
	}
	return out
}

// SortedOwners returns all owners in canonical order, for snapshots.
func (r *OwnerRegistry) SortedOwners() []string {
	owners := make([]string, 0, len(r.orders))
	for o := range r.orders {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners
}

// Restore rebuilds one owner's list from a snapshot.
func (r *OwnerRegistry) Restore(owner string, refs []OrderRef) {
	if len(refs) == 0 {
		return
	}
	out := make([]OrderRef, len(refs))
	copy(out, refs)
	r.orders[owner] = out
}
