package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/libgame/duelclient/internal/protocol"
)

func user(id int64) protocol.User {
	return protocol.User{ID: id, Username: "u"}
}

func TestRosterSnapshotThenLeave(t *testing.T) {
	r := newRoster()
	r.Replace([]protocol.User{user(1), user(2)})
	r.Remove(1)

	users := r.Users()
	assert.Len(t, users, 1)
	assert.Equal(t, int64(2), users[0].ID)
}

func TestRosterIdempotentAdd(t *testing.T) {
	r := newRoster()
	r.Add(user(1))
	r.Add(user(2))
	r.Add(user(1))

	users := r.Users()
	assert.Len(t, users, 2)
	assert.Equal(t, int64(1), users[0].ID, "re-add keeps original position")
}

func TestRosterIdempotentRemove(t *testing.T) {
	r := newRoster()
	r.Add(user(1))
	r.Remove(2)
	r.Remove(1)
	r.Remove(1)
	assert.Zero(t, r.Len())
}

func TestRosterSnapshotReplacesEverything(t *testing.T) {
	r := newRoster()
	r.Add(user(1))
	r.Add(user(2))
	r.Replace([]protocol.User{user(3)})

	users := r.Users()
	assert.Len(t, users, 1)
	assert.Equal(t, int64(3), users[0].ID)
}

func TestPropertyRosterMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := newRoster()
		model := map[int64]bool{}

		ops := rapid.IntRange(0, 40).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			id := rapid.Int64Range(1, 8).Draw(t, "id")
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0:
				r.Add(user(id))
				model[id] = true
			case 1:
				r.Remove(id)
				delete(model, id)
			case 2:
				count := rapid.IntRange(0, 4).Draw(t, "count")
				snapshot := make([]protocol.User, 0, count)
				model = map[int64]bool{}
				for j := 0; j < count; j++ {
					sid := rapid.Int64Range(1, 8).Draw(t, "sid")
					snapshot = append(snapshot, user(sid))
					model[sid] = true
				}
				r.Replace(snapshot)
			}

			// No duplicate identities, ever.
			seen := map[int64]bool{}
			for _, u := range r.Users() {
				if seen[u.ID] {
					t.Fatalf("duplicate user id %d in roster", u.ID)
				}
				seen[u.ID] = true
			}
			// Roster reflects the last snapshot plus subsequent deltas.
			if len(seen) != len(model) {
				t.Fatalf("roster has %d users, model has %d", len(seen), len(model))
			}
			for id := range model {
				if !seen[id] {
					t.Fatalf("model user %d missing from roster", id)
				}
			}
		}
	})
}
