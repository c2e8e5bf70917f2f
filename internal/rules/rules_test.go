package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_CompilesEmbeddedRules(t *testing.T) {
	eng, err := New()
	require.NoError(t, err)
	require.NotNil(t, eng)
}

func TestNewFromSource_BadSource(t *testing.T) {
	_, err := NewFromSource(`users: get: [{auth: uid: }]`)
	assert.Error(t, err)
}

func TestAllow_EmptyUIDAlwaysDenied(t *testing.T) {
	eng, err := New()
	require.NoError(t, err)

	err = eng.Allow(Request{Op: OpGet, Collection: "users", ID: "u1"})
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
}

func TestAllow_UnknownCollectionDenied(t *testing.T) {
	eng, err := New()
	require.NoError(t, err)

	err = eng.Allow(Request{UID: "u1", Op: OpGet, Collection: "secrets", ID: "x"})
	assert.Error(t, err)
}

func TestUsers_OnlySubjectWrites(t *testing.T) {
	eng, err := New()
	require.NoError(t, err)

	profile := map[string]any{"emailLower": "a@example.com", "displayName": "A"}

	assert.NoError(t, eng.Allow(Request{
		UID: "u1", Op: OpCreate, Collection: "users", ID: "u1", Data: profile,
	}))
	assert.Error(t, eng.Allow(Request{
		UID: "u1", Op: OpCreate, Collection: "users", ID: "u2", Data: profile,
	}))
	assert.NoError(t, eng.Allow(Request{
		UID: "u2", Op: OpGet, Collection: "users", ID: "u1",
		Resource: profile,
	}))
}

func TestConnections_CreateRules(t *testing.T) {
	eng, err := New()
	require.NoError(t, err)

	data := func(from, to, status string) map[string]any {
		return map[string]any{
			"fromId": from, "toId": to, "status": status,
			"createdAt": int64(1), "updatedAt": int64(1),
		}
	}

	assert.NoError(t, eng.Allow(Request{
		UID: "a", Op: OpCreate, Collection: "connections", ID: "a_b",
		Data: data("a", "b", "pending"),
	}))

	// Initiator must be the caller.
	assert.Error(t, eng.Allow(Request{
		UID: "b", Op: OpCreate, Collection: "connections", ID: "a_b",
		Data: data("a", "b", "pending"),
	}))

	// Self-connections are rejected.
	assert.Error(t, eng.Allow(Request{
		UID: "a", Op: OpCreate, Collection: "connections", ID: "a_a",
		Data: data("a", "a", "pending"),
	}))

	// Only pending may be created.
	assert.Error(t, eng.Allow(Request{
		UID: "a", Op: OpCreate, Collection: "connections", ID: "a_b",
		Data: data("a", "b", "accepted"),
	}))
}

func TestConnections_UpdateOnlyByRecipientWhilePending(t *testing.T) {
	eng, err := New()
	require.NoError(t, err)

	pending := map[string]any{
		"fromId": "a", "toId": "b", "status": "pending",
		"createdAt": int64(1), "updatedAt": int64(1),
	}
	patch := map[string]any{"status": "accepted", "updatedAt": int64(2)}
	touched := []string{"status", "updatedAt"}

	assert.NoError(t, eng.Allow(Request{
		UID: "b", Op: OpUpdate, Collection: "connections", ID: "a_b",
		Resource: pending, Data: patch, Touched: touched,
	}))

	// Initiator can neither accept nor refresh their own request.
	assert.Error(t, eng.Allow(Request{
		UID: "a", Op: OpUpdate, Collection: "connections", ID: "a_b",
		Resource: pending, Data: patch, Touched: touched,
	}))

	// Terminal records take no further transitions.
	accepted := map[string]any{
		"fromId": "a", "toId": "b", "status": "accepted",
		"createdAt": int64(1), "updatedAt": int64(2),
	}
	assert.Error(t, eng.Allow(Request{
		UID: "b", Op: OpUpdate, Collection: "connections", ID: "a_b",
		Resource: accepted, Data: patch, Touched: touched,
	}))

	// A patch touching more than the transition fields is denied even for
	// the recipient , which is what blocks the reverse-pending upsert.
	reverse := map[string]any{
		"fromId": "b", "toId": "a", "status": "pending",
		"createdAt": int64(3), "updatedAt": int64(3),
	}
	assert.Error(t, eng.Allow(Request{
		UID: "b", Op: OpUpdate, Collection: "connections", ID: "a_b",
		Resource: pending, Data: reverse,
		Touched: []string{"createdAt", "fromId", "status", "toId", "updatedAt"},
	}))
}

func TestDocs_OwnerAndEditorAccess(t *testing.T) {
	eng, err := New()
	require.NoError(t, err)

	doc := map[string]any{
		"owners":    []any{"o1", "o2"},
		"editorMap": map[string]any{"e1": true},
		"text":      "hi", "version": int64(3), "lastEditedBy": "o1",
		"createdAt": int64(1), "updatedAt": int64(5),
	}

	for _, uid := range []string{"o1", "o2", "e1"} {
		assert.NoError(t, eng.Allow(Request{
			UID: uid, Op: OpGet, Collection: "docs", ID: "d1", Resource: doc,
		}), "uid %s should read", uid)
	}
	assert.Error(t, eng.Allow(Request{
		UID: "stranger", Op: OpGet, Collection: "docs", ID: "d1", Resource: doc,
	}))

	// Owners delete; editors do not.
	assert.NoError(t, eng.Allow(Request{
		UID: "o1", Op: OpDelete, Collection: "docs", ID: "d1", Resource: doc,
	}))
	assert.Error(t, eng.Allow(Request{
		UID: "e1", Op: OpDelete, Collection: "docs", ID: "d1", Resource: doc,
	}))
}

func TestDocs_ClaimSelfGrant(t *testing.T) {
	eng, err := New()
	require.NoError(t, err)

	doc := map[string]any{
		"owners":    []any{"o1"},
		"editorMap": map[string]any{},
		"text":      "", "version": int64(0), "lastEditedBy": "",
		"createdAt": int64(1), "updatedAt": int64(1),
	}

	// Recipient adds exactly themselves plus the audit stamp.
	assert.NoError(t, eng.Allow(Request{
		UID: "r1", Op: OpUpdate, Collection: "docs", ID: "d1",
		Resource: doc,
		Data: map[string]any{
			"editorMap":    map[string]any{"r1": true},
			"claimShareId": "s1",
			"updatedAt":    int64(2),
		},
		Touched: []string{"claimShareId", "editorMap.r1", "updatedAt"},
	}))

	// Granting someone else is denied.
	assert.Error(t, eng.Allow(Request{
		UID: "r1", Op: OpUpdate, Collection: "docs", ID: "d1",
		Resource: doc,
		Data: map[string]any{
			"editorMap":    map[string]any{"r2": true},
			"claimShareId": "s1",
			"updatedAt":    int64(2),
		},
		Touched: []string{"claimShareId", "editorMap.r2", "updatedAt"},
	}))

	// Smuggling extra fields alongside the self-grant is denied.
	assert.Error(t, eng.Allow(Request{
		UID: "r1", Op: OpUpdate, Collection: "docs", ID: "d1",
		Resource: doc,
		Data: map[string]any{
			"editorMap":    map[string]any{"r1": true},
			"claimShareId": "s1",
			"text":         "hijack",
			"updatedAt":    int64(2),
		},
		Touched: []string{"claimShareId", "editorMap.r1", "text", "updatedAt"},
	}))
}

func TestSharedDocs_ParticipantsOnly(t *testing.T) {
	eng, err := New()
	require.NoError(t, err)

	doc := map[string]any{
		"fromId": "a", "toId": "b",
		"text": "", "version": int64(0), "lastEditedBy": "",
		"createdAt": int64(1), "updatedAt": int64(1),
	}
	patch := map[string]any{
		"text": "hello", "version": int64(1), "lastEditedBy": "a", "updatedAt": int64(2),
	}
	touched := []string{"lastEditedBy", "text", "updatedAt", "version"}

	assert.NoError(t, eng.Allow(Request{
		UID: "a", Op: OpUpdate, Collection: "sharedDocs", ID: "a_b",
		Resource: doc, Data: patch, Touched: touched,
	}))
	assert.NoError(t, eng.Allow(Request{
		UID: "b", Op: OpUpdate, Collection: "sharedDocs", ID: "a_b",
		Resource: doc, Data: patch, Touched: touched,
	}))
	assert.Error(t, eng.Allow(Request{
		UID: "c", Op: OpUpdate, Collection: "sharedDocs", ID: "a_b",
		Resource: doc, Data: patch, Touched: touched,
	}))

	// Either participant may perform the lazy create.
	create := map[string]any{
		"fromId": "a", "toId": "b",
		"text": "", "version": int64(0), "lastEditedBy": "",
		"createdAt": int64(1), "updatedAt": int64(1),
	}
	assert.NoError(t, eng.Allow(Request{
		UID: "b", Op: OpCreate, Collection: "sharedDocs", ID: "a_b", Data: create,
	}))
	assert.Error(t, eng.Allow(Request{
		UID: "c", Op: OpCreate, Collection: "sharedDocs", ID: "a_b", Data: create,
	}))
}

func TestDocShares_Transitions(t *testing.T) {
	eng, err := New()
	require.NoError(t, err)

	pending := map[string]any{
		"docId": "d1", "fromId": "o", "toId": "r", "status": "pending",
		"createdAt": int64(1), "updatedAt": int64(1),
	}
	touched := []string{"status", "updatedAt"}

	accept := map[string]any{"status": "accepted", "updatedAt": int64(2)}
	cancel := map[string]any{"status": "cancelled", "updatedAt": int64(2)}

	// Recipient accepts or declines.
	assert.NoError(t, eng.Allow(Request{
		UID: "r", Op: OpUpdate, Collection: "docShares", ID: "s1",
		Resource: pending, Data: accept, Touched: touched,
	}))
	// Owner cancels but cannot accept.
	assert.NoError(t, eng.Allow(Request{
		UID: "o", Op: OpUpdate, Collection: "docShares", ID: "s1",
		Resource: pending, Data: cancel, Touched: touched,
	}))
	assert.Error(t, eng.Allow(Request{
		UID: "o", Op: OpUpdate, Collection: "docShares", ID: "s1",
		Resource: pending, Data: accept, Touched: touched,
	}))
	// Recipient cannot cancel.
	assert.Error(t, eng.Allow(Request{
		UID: "r", Op: OpUpdate, Collection: "docShares", ID: "s1",
		Resource: pending, Data: cancel, Touched: touched,
	}))
}
