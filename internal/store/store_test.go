package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/fault"
)

type seqIDs struct{ n int }

func (g *seqIDs) NewID() string {
	g.n++
	return fmt.Sprintf("id-%03d", g.n)
}

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithIDGenerator(&seqIDs{})}, opts...)
	s, err := Open(":memory:", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_Defaults(t *testing.T) {
	// No options: the sqlite driver must be registered and the embedded
	// rule set must compile.
	s, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestStore_SetGetRoundtrip(t *testing.T) {
	s := openTestStore(t)
	admin := s.Admin()

	err := admin.Set("docs", "d1", Fields{
		"title":   "notes",
		"version": int64(3),
		"owners":  []any{"u1"},
		"pinned":  true,
	}, false)
	require.NoError(t, err)

	rec, ok, err := admin.Get("docs", "d1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "notes", rec.Fields.String("title"))
	assert.Equal(t, int64(3), rec.Fields.Int64("version"))
	assert.Equal(t, []string{"u1"}, rec.Fields.Strings("owners"))
	assert.True(t, rec.Fields.Bool("pinned"))
}

func TestStore_GetAbsent(t *testing.T) {
	s := openTestStore(t)

	_, ok, err := s.Admin().Get("docs", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ServerTimeAndClock(t *testing.T) {
	s := openTestStore(t)
	admin := s.Admin()

	require.NoError(t, admin.Set("docs", "d1", Fields{"createdAt": ServerTime}, false))
	require.NoError(t, admin.Set("docs", "d2", Fields{"createdAt": ServerTime}, false))

	r1, _, err := admin.Get("docs", "d1")
	require.NoError(t, err)
	r2, _, err := admin.Get("docs", "d2")
	require.NoError(t, err)

	assert.Greater(t, r1.Fields.Int64("createdAt"), int64(0))
	assert.Greater(t, r2.Fields.Int64("createdAt"), r1.Fields.Int64("createdAt"),
		"later writes must carry later logical times")
	assert.Equal(t, Timestamp(r1.Fields.Int64("createdAt")), r1.UpdatedAt)
}

func TestStore_ClockSurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/store.db"

	s, err := Open(path, WithIDGenerator(&seqIDs{}))
	require.NoError(t, err)
	require.NoError(t, s.Admin().Set("docs", "d1", Fields{"at": ServerTime}, false))
	r1, _, err := s.Admin().Get("docs", "d1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path, WithIDGenerator(&seqIDs{}))
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.Admin().Set("docs", "d2", Fields{"at": ServerTime}, false))
	r2, _, err := s2.Admin().Get("docs", "d2")
	require.NoError(t, err)

	assert.Greater(t, r2.Fields.Int64("at"), r1.Fields.Int64("at"),
		"logical clock must not rewind across reopen")
}

func TestStore_SetMergeDeep(t *testing.T) {
	s := openTestStore(t)
	admin := s.Admin()

	require.NoError(t, admin.Set("docs", "d1", Fields{
		"title":     "a",
		"editorMap": map[string]any{"u1": true},
	}, false))
	require.NoError(t, admin.Set("docs", "d1", Fields{
		"editorMap.u2": true,
	}, true))

	rec, _, err := admin.Get("docs", "d1")
	require.NoError(t, err)
	assert.Equal(t, "a", rec.Fields.String("title"), "merge keeps untouched fields")
	assert.Equal(t, map[string]bool{"u1": true, "u2": true}, rec.Fields.BoolMap("editorMap"))
}

func TestStore_SetReplace(t *testing.T) {
	s := openTestStore(t)
	admin := s.Admin()

	require.NoError(t, admin.Set("docs", "d1", Fields{"title": "a", "extra": "x"}, false))
	require.NoError(t, admin.Set("docs", "d1", Fields{"title": "b"}, false))

	rec, _, err := admin.Get("docs", "d1")
	require.NoError(t, err)
	assert.Equal(t, "b", rec.Fields.String("title"))
	_, hasExtra := rec.Fields["extra"]
	assert.False(t, hasExtra, "non-merge set replaces the whole record")
}

func TestStore_UpdateAbsentIsNotFound(t *testing.T) {
	s := openTestStore(t)

	err := s.Admin().Update("docs", "nope", Fields{"title": "x"})
	assert.True(t, fault.IsNotFound(err))
}

func TestStore_AddGeneratesIDs(t *testing.T) {
	s := openTestStore(t)
	admin := s.Admin()

	id1, err := admin.Add("connections", Fields{"fromId": "u1"})
	require.NoError(t, err)
	id2, err := admin.Add("connections", Fields{"fromId": "u1"})
	require.NoError(t, err)

	assert.Equal(t, "id-001", id1)
	assert.Equal(t, "id-002", id2)
}

func TestStore_DeleteDirect(t *testing.T) {
	s := openTestStore(t)
	admin := s.Admin()
	require.True(t, s.Capabilities().DirectDelete)

	require.NoError(t, admin.Set("docs", "d1", Fields{"title": "a"}, false))
	require.NoError(t, admin.Delete("docs", "d1"))

	_, ok, err := admin.Get("docs", "d1")
	require.NoError(t, err)
	assert.False(t, ok)

	var n int
	require.NoError(t, s.db.QueryRow(
		`SELECT COUNT(*) FROM records WHERE collection='docs'`).Scan(&n))
	assert.Equal(t, 0, n, "direct delete removes the row")
}

func TestStore_DeleteLegacyTombstones(t *testing.T) {
	s := openTestStore(t, WithLegacySchema())
	admin := s.Admin()
	require.False(t, s.Capabilities().DirectDelete)

	require.NoError(t, admin.Set("docs", "d1", Fields{"title": "a"}, false))
	require.NoError(t, admin.Delete("docs", "d1"))

	_, ok, err := admin.Get("docs", "d1")
	require.NoError(t, err)
	assert.False(t, ok, "tombstoned records are invisible to reads")

	var n int
	require.NoError(t, s.db.QueryRow(
		`SELECT COUNT(*) FROM records WHERE collection='docs' AND deleted=1`).Scan(&n))
	assert.Equal(t, 1, n, "legacy delete keeps the tombstone row")
}

func TestStore_DeleteAbsentIsNoop(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.Admin().Delete("docs", "nope"))
}

func TestStore_WriteIfVersion(t *testing.T) {
	s := openTestStore(t)
	admin := s.Admin()

	require.NoError(t, admin.Set("docs", "d1", Fields{"text": "a", "version": int64(1)}, false))

	err := admin.WriteIfVersion("docs", "d1", 1, Fields{"text": "b", "version": int64(2)})
	require.NoError(t, err)

	err = admin.WriteIfVersion("docs", "d1", 1, Fields{"text": "c", "version": int64(2)})
	assert.ErrorIs(t, err, ErrVersionMismatch)

	rec, _, err := admin.Get("docs", "d1")
	require.NoError(t, err)
	assert.Equal(t, "b", rec.Fields.String("text"))
	assert.Equal(t, int64(2), rec.Fields.Int64("version"))
}

func TestStore_QueryPredicates(t *testing.T) {
	s := openTestStore(t)
	admin := s.Admin()

	require.NoError(t, admin.Set("docs", "d1", Fields{
		"owners": []any{"u1"}, "createdAt": int64(10)}, false))
	require.NoError(t, admin.Set("docs", "d2", Fields{
		"owners": []any{"u1", "u2"}, "createdAt": int64(30)}, false))
	require.NoError(t, admin.Set("docs", "d3", Fields{
		"owners": []any{"u2"}, "createdAt": int64(20)}, false))

	recs, err := admin.List(Query{
		Collection: "docs",
		Wheres:     []Where{{Field: "owners", Op: ArrayContains, Value: "u1"}},
		OrderBy:    []Order{{Field: "createdAt", Desc: true}},
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "d2", recs[0].ID)
	assert.Equal(t, "d1", recs[1].ID)

	recs, err = admin.List(Query{
		Collection: "docs",
		Wheres:     []Where{{Field: "createdAt", Op: Eq, Value: int64(20)}},
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "d3", recs[0].ID)
}

func TestStore_RulesEnforced(t *testing.T) {
	s := openTestStore(t)

	u1 := s.As("u1")
	require.NoError(t, u1.Set("users", "u1", Fields{"displayName": "One"}, true))

	err := u1.Set("users", "u2", Fields{"displayName": "Imposter"}, true)
	assert.True(t, fault.IsNotAllowed(err), "writing another profile must be denied")

	anon := s.As("")
	err = anon.Set("users", "u1", Fields{"displayName": "x"}, true)
	assert.True(t, fault.IsNotSignedIn(err))
	_, _, err = anon.Get("users", "u1")
	assert.True(t, fault.IsNotSignedIn(err))
}

func TestStore_SetOnExistingIsUpdateForRules(t *testing.T) {
	s := openTestStore(t)

	u1 := s.As("u1")
	_, err := u1.Add("connections", Fields{
		"fromId": "u1", "toId": "u2", "status": "pending",
	})
	require.NoError(t, err)

	// A second write to the same caller-chosen id is rule-checked as an
	// update, and connection updates are reserved for the recipient.
	require.NoError(t, u1.Set("connections", "u1_u2", Fields{
		"fromId": "u1", "toId": "u2", "status": "pending",
	}, false))
	err = u1.Set("connections", "u1_u2", Fields{
		"fromId": "u1", "toId": "u2", "status": "pending",
	}, false)
	assert.True(t, fault.IsNotAllowed(err))
}

func waitDoc(t *testing.T, ch <-chan delivery) delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return delivery{}
	}
}

func TestStore_SubscribeDoc(t *testing.T) {
	s := openTestStore(t)
	admin := s.Admin()

	ch := make(chan delivery, 16)
	dispose, err := admin.SubscribeDoc("docs", "d1", func(rec Record, exists bool) {
		ch <- delivery{rec: rec, exists: exists}
	})
	require.NoError(t, err)
	defer dispose()

	first := waitDoc(t, ch)
	assert.False(t, first.exists, "initial snapshot reports absence")

	require.NoError(t, admin.Set("docs", "d1", Fields{"title": "a"}, false))
	second := waitDoc(t, ch)
	require.True(t, second.exists)
	assert.Equal(t, "a", second.rec.Fields.String("title"))

	require.NoError(t, admin.Delete("docs", "d1"))
	third := waitDoc(t, ch)
	assert.False(t, third.exists)
}

func TestStore_SubscribeQueryDedupes(t *testing.T) {
	s := openTestStore(t)
	admin := s.Admin()

	require.NoError(t, admin.Set("docs", "mine", Fields{
		"owners": []any{"u1"}, "title": "a"}, false))

	ch := make(chan delivery, 16)
	dispose, err := admin.Subscribe(Query{
		Collection: "docs",
		Wheres:     []Where{{Field: "owners", Op: ArrayContains, Value: "u1"}},
	}, func(recs []Record) {
		ch <- delivery{recs: recs}
	})
	require.NoError(t, err)
	defer dispose()

	first := waitDoc(t, ch)
	require.Len(t, first.recs, 1)

	// A write outside the result set must not re-fire the callback.
	require.NoError(t, admin.Set("docs", "other", Fields{
		"owners": []any{"u2"}, "title": "b"}, false))
	// A write inside it must.
	require.NoError(t, admin.Update("docs", "mine", Fields{"title": "a2"}))

	second := waitDoc(t, ch)
	require.Len(t, second.recs, 1)
	assert.Equal(t, "a2", second.recs[0].Fields.String("title"))

	select {
	case <-ch:
		t.Fatal("unchanged result set was re-emitted")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStore_SubscriptionOrderIsCommitOrder(t *testing.T) {
	s := openTestStore(t)
	admin := s.Admin()

	ch := make(chan delivery, 64)
	dispose, err := admin.SubscribeDoc("docs", "d1", func(rec Record, exists bool) {
		ch <- delivery{rec: rec, exists: exists}
	})
	require.NoError(t, err)
	defer dispose()

	waitDoc(t, ch) // initial

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, admin.Set("docs", "d1", Fields{"seq": int64(i)}, false))
	}
	for i := 0; i < n; i++ {
		d := waitDoc(t, ch)
		assert.Equal(t, int64(i), d.rec.Fields.Int64("seq"))
	}
}

func TestStore_DisposeStopsDelivery(t *testing.T) {
	s := openTestStore(t)
	admin := s.Admin()

	ch := make(chan delivery, 16)
	dispose, err := admin.SubscribeDoc("docs", "d1", func(rec Record, exists bool) {
		ch <- delivery{rec: rec, exists: exists}
	})
	require.NoError(t, err)
	waitDoc(t, ch)

	dispose()
	dispose() // second call is a no-op

	require.NoError(t, admin.Set("docs", "d1", Fields{"title": "a"}, false))
	select {
	case <-ch:
		t.Fatal("disposed subscription still delivered")
	case <-time.After(50 * time.Millisecond):
	}
}
