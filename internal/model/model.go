// Package model defines the collections, status machine vocabulary and
// typed record views shared by the services.
package model

import (
	"sort"
	"strings"

	"github.com/roach88/tandem/internal/store"
)

// Collection names.
const (
	Users       = "users"
	Connections = "connections"
	DocShares   = "docShares"
	Docs        = "docs"
	SharedDocs  = "sharedDocs"
)

// Status is the lifecycle state of a connection or share request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s != StatusPending && s != ""
}

// PairID derives the deterministic identifier for an unordered pair of
// user ids: sorted, joined with an underscore. Both orders produce the
// same id, so either party can address the pair record without a lookup.
func PairID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// User is a directory profile record.
type User struct {
	ID          string
	EmailLower  string
	DisplayName string
	PhotoURL    string
	CreatedAt   store.Timestamp
	UpdatedAt   store.Timestamp
}

func UserFromRecord(rec store.Record) User {
	return User{
		ID:          rec.ID,
		EmailLower:  rec.Fields.String("emailLower"),
		DisplayName: rec.Fields.String("displayName"),
		PhotoURL:    rec.Fields.String("photoURL"),
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

// Connection is one mutual-trust record between two users.
type Connection struct {
	ID        string
	FromID    string
	ToID      string
	Status    Status
	CreatedAt store.Timestamp
	UpdatedAt store.Timestamp
}

func ConnectionFromRecord(rec store.Record) Connection {
	return Connection{
		ID:        rec.ID,
		FromID:    rec.Fields.String("fromId"),
		ToID:      rec.Fields.String("toId"),
		Status:    Status(rec.Fields.String("status")),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

// DocShare is one access-grant request for a personal document.
type DocShare struct {
	ID        string
	DocID     string
	FromID    string
	ToID      string
	Status    Status
	CreatedAt store.Timestamp
	UpdatedAt store.Timestamp
}

func DocShareFromRecord(rec store.Record) DocShare {
	return DocShare{
		ID:        rec.ID,
		DocID:     rec.Fields.String("docId"),
		FromID:    rec.Fields.String("fromId"),
		ToID:      rec.Fields.String("toId"),
		Status:    Status(rec.Fields.String("status")),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

// Doc is a personally-owned document. Owners is never empty; EditorMap
// entries are added only by the claim protocol.
type Doc struct {
	ID           string
	Title        string
	Owners       []string
	EditorMap    map[string]bool
	Text         string
	Version      int64
	LastEditedBy string
	ClaimShareID string
	CreatedAt    store.Timestamp
	UpdatedAt    store.Timestamp
}

func DocFromRecord(rec store.Record) Doc {
	return Doc{
		ID:           rec.ID,
		Title:        rec.Fields.String("title"),
		Owners:       rec.Fields.Strings("owners"),
		EditorMap:    rec.Fields.BoolMap("editorMap"),
		Text:         rec.Fields.String("text"),
		Version:      rec.Fields.Int64("version"),
		LastEditedBy: rec.Fields.String("lastEditedBy"),
		ClaimShareID: rec.Fields.String("claimShareId"),
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

// OwnedBy reports whether uid is a current owner.
func (d Doc) OwnedBy(uid string) bool {
	for _, o := range d.Owners {
		if o == uid {
			return true
		}
	}
	return false
}

// SharedDoc is the single document scoped to one connection. Its id is
// the connection's pair id.
type SharedDoc struct {
	ID           string
	FromID       string
	ToID         string
	Text         string
	Version      int64
	LastEditedBy string
	CreatedAt    store.Timestamp
	UpdatedAt    store.Timestamp
}

func SharedDocFromRecord(rec store.Record) SharedDoc {
	return SharedDoc{
		ID:           rec.ID,
		FromID:       rec.Fields.String("fromId"),
		ToID:         rec.Fields.String("toId"),
		Text:         rec.Fields.String("text"),
		Version:      rec.Fields.Int64("version"),
		LastEditedBy: rec.Fields.String("lastEditedBy"),
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}
