package presence

import "github.com/libgame/duelclient/internal/protocol"

// roster holds the online users in arrival order with at most one entry per
// user id. Not safe for concurrent use; the controller serializes access.
type roster struct {
	order []int64
	byID  map[int64]protocol.User
}

func newRoster() *roster {
	return &roster{byID: make(map[int64]protocol.User)}
}

// Replace installs a full snapshot, discarding all prior state. Duplicate
// ids within the snapshot keep the first occurrence.
func (r *roster) Replace(users []protocol.User) {
	r.order = r.order[:0]
	r.byID = make(map[int64]protocol.User, len(users))
	for _, u := range users {
		r.Add(u)
	}
}

// Add inserts a user. Adding an id already present updates the record in
// place without changing its position.
func (r *roster) Add(u protocol.User) {
	if _, ok := r.byID[u.ID]; !ok {
		r.order = append(r.order, u.ID)
	}
	r.byID[u.ID] = u
}

// Remove deletes by id. Removing an absent id is a no-op.
func (r *roster) Remove(id int64) {
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Users returns the roster in arrival order.
func (r *roster) Users() []protocol.User {
	out := make([]protocol.User, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *roster) Len() int { return len(r.byID) }
