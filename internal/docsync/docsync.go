// Package docsync is the document synchronization engine: optimistic-
// versioned read/write of a text blob for personally-owned documents and
// for the single document shared by a connected pair.
package docsync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/tandem/internal/fault"
	"github.com/roach88/tandem/internal/merge"
	"github.com/roach88/tandem/internal/model"
	"github.com/roach88/tandem/internal/retry"
	"github.com/roach88/tandem/internal/session"
	"github.com/roach88/tandem/internal/store"
)

// Service provides document sync for the current user.
type Service struct {
	store   *store.Store
	session session.Provider
	log     *slog.Logger

	// casRetry gates WriteTextCAS re-attempts on version conflicts.
	casRetry retry.Policy
}

func New(s *store.Store, sess session.Provider, log *slog.Logger) *Service {
	return &Service{
		store:    s,
		session:  sess,
		log:      log,
		casRetry: retry.Policy{Delays: defaultCASDelays()},
	}
}

func defaultCASDelays() []time.Duration {
	return []time.Duration{25 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond}
}

// Create makes a new personal document owned by the caller and returns
// its id.
func (s *Service) Create(title string) (string, error) {
	self, err := session.Require(s.session)
	if err != nil {
		return "", err
	}
	id, err := s.store.As(self).Add(model.Docs, store.Fields{
		"title":        title,
		"owners":       []any{self},
		"editorMap":    map[string]any{},
		"text":         "",
		"version":      int64(0),
		"lastEditedBy": self,
		"createdAt":    store.ServerTime,
		"updatedAt":    store.ServerTime,
	})
	if err != nil {
		return "", err
	}
	s.log.Info("document created", "doc", id, "owner", self)
	return id, nil
}

// Read returns the document, or nil if it does not exist.
func (s *Service) Read(docID string) (*model.Doc, error) {
	self, err := session.Require(s.session)
	if err != nil {
		return nil, err
	}
	rec, ok, err := s.store.As(self).Get(model.Docs, docID)
	if err != nil || !ok {
		return nil, err
	}
	doc := model.DocFromRecord(rec)
	return &doc, nil
}

// Subscribe streams the document; fn receives nil when it is absent or
// gets deleted.
func (s *Service) Subscribe(docID string, fn func(*model.Doc)) (store.Disposer, error) {
	self, err := session.Require(s.session)
	if err != nil {
		return nil, err
	}
	return s.store.As(self).SubscribeDoc(model.Docs, docID, func(rec store.Record, exists bool) {
		if !exists {
			fn(nil)
			return
		}
		doc := model.DocFromRecord(rec)
		fn(&doc)
	})
}

// SubscribeMine streams the union of documents the caller owns and
// documents the caller can edit through a completed claim, newest first.
func (s *Service) SubscribeMine(fn func([]model.Doc)) (store.Disposer, error) {
	self, err := session.Require(s.session)
	if err != nil {
		return nil, err
	}
	owned := store.Query{
		Collection: model.Docs,
		Wheres:     []store.Where{{Field: "owners", Op: store.ArrayContains, Value: self}},
	}
	edited := store.Query{
		Collection: model.Docs,
		Wheres:     []store.Where{{Field: "editorMap." + self, Op: store.Eq, Value: true}},
	}
	return merge.Subscribe(s.store.As(self), owned, edited, func(recs []store.Record) {
		docs := make([]model.Doc, len(recs))
		for i, rec := range recs {
			docs[i] = model.DocFromRecord(rec)
		}
		fn(docs)
	})
}

// WriteText stores new text with a version bump: read the current
// version, write version+1. The read and the write are two separate
// operations, so two near-simultaneous writers can both observe version
// N and both store N+1, and the store keeps whichever write lands last.
// That lost update is accepted behavior here; WriteTextCAS is the
// strict alternative.
func (s *Service) WriteText(docID, text string) error {
	self, err := session.Require(s.session)
	if err != nil {
		return err
	}
	client := s.store.As(self)
	rec, ok, err := client.Get(model.Docs, docID)
	if err != nil {
		return err
	}
	if !ok {
		return fault.Newf(fault.NotFound, "document %s not found", docID)
	}
	return client.Update(model.Docs, docID, store.Fields{
		"text":         text,
		"version":      rec.Fields.Int64("version") + 1,
		"lastEditedBy": self,
		"updatedAt":    store.ServerTime,
	})
}

// WriteTextCAS stores new text using the compare-and-swap primitive:
// the write only lands if the version is still the one that was read,
// retrying on a mismatch per the service's schedule. Returns a conflict
// fault when contention outlasts the schedule.
func (s *Service) WriteTextCAS(ctx context.Context, docID, text string) error {
	self, err := session.Require(s.session)
	if err != nil {
		return err
	}
	client := s.store.As(self)
	err = s.casRetry.Do(ctx, func(context.Context) (bool, error) {
		rec, ok, err := client.Get(model.Docs, docID)
		if err != nil {
			return true, err
		}
		if !ok {
			return true, fault.Newf(fault.NotFound, "document %s not found", docID)
		}
		version := rec.Fields.Int64("version")
		err = client.WriteIfVersion(model.Docs, docID, version, store.Fields{
			"text":         text,
			"version":      version + 1,
			"lastEditedBy": self,
			"updatedAt":    store.ServerTime,
		})
		if errors.Is(err, store.ErrVersionMismatch) {
			return false, fault.Wrap(fault.Conflict, "concurrent edit", err)
		}
		return true, err
	})
	return err
}

// Delete removes a personal document. Whether that is a direct removal
// or a legacy tombstone was resolved when the store was opened; either
// way the document becomes absent to readers and subscribers.
func (s *Service) Delete(docID string) error {
	self, err := session.Require(s.session)
	if err != nil {
		return err
	}
	if err := s.store.As(self).Delete(model.Docs, docID); err != nil {
		return err
	}
	s.log.Info("document deleted", "doc", docID, "by", self)
	return nil
}

// GrantEditor is the claim protocol's write: the caller adds themselves
// to the document's editor map and stamps the share id for audit. The
// write is an idempotent set insert. An absent document surfaces as
// document-missing so callers can tell "permanently gone" from "retry".
func (s *Service) GrantEditor(docID, shareID string) error {
	self, err := session.Require(s.session)
	if err != nil {
		return err
	}
	err = s.store.As(self).Update(model.Docs, docID, store.Fields{
		"claimShareId":     shareID,
		"editorMap." + self: true,
		"updatedAt":        store.ServerTime,
	})
	if fault.IsNotFound(err) {
		return fault.Wrap(fault.DocumentMissing,
			"shared document no longer exists", err)
	}
	if err != nil {
		return err
	}
	s.log.Info("editor granted", "doc", docID, "editor", self, "share", shareID)
	return nil
}

// EnsureShared creates the connection's shared document if needed. The
// write is an upsert-merge of the participant ids only, so repeating it
// never clobbers text or version; absent text reads as empty at version
// zero.
func (s *Service) EnsureShared(connectionID, fromID, toID string) error {
	self, err := session.Require(s.session)
	if err != nil {
		return err
	}
	return s.store.As(self).Set(model.SharedDocs, connectionID, store.Fields{
		"fromId": fromID,
		"toId":   toID,
	}, true)
}

// ReadShared returns the shared document with the given user, or nil if
// it has not been created yet.
func (s *Service) ReadShared(otherID string) (*model.SharedDoc, error) {
	self, err := session.Require(s.session)
	if err != nil {
		return nil, err
	}
	rec, ok, err := s.store.As(self).Get(model.SharedDocs, model.PairID(self, otherID))
	if err != nil || !ok {
		return nil, err
	}
	doc := model.SharedDocFromRecord(rec)
	return &doc, nil
}

// WriteSharedText writes text into the document shared with otherID,
// creating it lazily on first access. Same last-writer-wins versioning
// as WriteText.
func (s *Service) WriteSharedText(otherID, text string) error {
	self, err := session.Require(s.session)
	if err != nil {
		return err
	}
	pairID := model.PairID(self, otherID)
	client := s.store.As(self)

	rec, ok, err := client.Get(model.SharedDocs, pairID)
	if err != nil {
		return err
	}
	if !ok {
		// The participant ids come from the connection when it is
		// readable, so the shared doc keeps the request's direction no
		// matter which side writes first.
		fromID, toID := self, otherID
		if conn, found, err := client.Get(model.Connections, pairID); err != nil {
			return err
		} else if found {
			c := model.ConnectionFromRecord(conn)
			fromID, toID = c.FromID, c.ToID
		}
		if err := s.EnsureShared(pairID, fromID, toID); err != nil {
			return err
		}
	}
	var version int64
	if ok {
		version = rec.Fields.Int64("version")
	}
	return client.Update(model.SharedDocs, pairID, store.Fields{
		"text":         text,
		"version":      version + 1,
		"lastEditedBy": self,
		"updatedAt":    store.ServerTime,
	})
}

// SubscribeShared streams the document shared with otherID; fn receives
// nil while it does not exist.
func (s *Service) SubscribeShared(otherID string, fn func(*model.SharedDoc)) (store.Disposer, error) {
	self, err := session.Require(s.session)
	if err != nil {
		return nil, err
	}
	pairID := model.PairID(self, otherID)
	return s.store.As(self).SubscribeDoc(model.SharedDocs, pairID, func(rec store.Record, exists bool) {
		if !exists {
			fn(nil)
			return
		}
		doc := model.SharedDocFromRecord(rec)
		fn(&doc)
	})
}

// SubscribeMyShared streams every shared document the caller is party
// to, on either side, newest first.
func (s *Service) SubscribeMyShared(fn func([]model.SharedDoc)) (store.Disposer, error) {
	self, err := session.Require(s.session)
	if err != nil {
		return nil, err
	}
	from := store.Query{
		Collection: model.SharedDocs,
		Wheres:     []store.Where{{Field: "fromId", Op: store.Eq, Value: self}},
	}
	to := store.Query{
		Collection: model.SharedDocs,
		Wheres:     []store.Where{{Field: "toId", Op: store.Eq, Value: self}},
	}
	return merge.Subscribe(s.store.As(self), from, to, func(recs []store.Record) {
		docs := make([]model.SharedDoc, len(recs))
		for i, rec := range recs {
			docs[i] = model.SharedDocFromRecord(rec)
		}
		fn(docs)
	})
}
