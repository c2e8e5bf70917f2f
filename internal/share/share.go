// Package share implements the document-share request state machine and
// the claim protocol, the two-phase handshake that grants editor access
// to a personal document without a trusted intermediary.
package share

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/tandem/internal/directory"
	"github.com/roach88/tandem/internal/docsync"
	"github.com/roach88/tandem/internal/fault"
	"github.com/roach88/tandem/internal/model"
	"github.com/roach88/tandem/internal/retry"
	"github.com/roach88/tandem/internal/session"
	"github.com/roach88/tandem/internal/store"
)

// Action is an answer to a pending share.
type Action string

const (
	Accept  Action = "accept"
	Decline Action = "decline"
	Cancel  Action = "cancel"
)

// ClaimWait is the single bounded wait before a claim re-reads a share
// whose acceptance has not propagated yet.
const ClaimWait = 150 * time.Millisecond

// Service runs the share state machine.
type Service struct {
	store     *store.Store
	session   session.Provider
	directory *directory.Directory
	docs      *docsync.Service
	log       *slog.Logger

	claimRetry retry.Policy
}

func New(s *store.Store, sess session.Provider, dir *directory.Directory, docs *docsync.Service, log *slog.Logger) *Service {
	return &Service{
		store:      s,
		session:    sess,
		directory:  dir,
		docs:       docs,
		log:        log,
		claimRetry: retry.Once(ClaimWait),
	}
}

// Request creates a pending share of docID with the user behind
// targetEmail. The caller must currently own the document; the email
// must resolve in the directory. Returns the new share id.
func (s *Service) Request(docID, targetEmail string) (string, error) {
	self, err := session.Require(s.session)
	if err != nil {
		return "", err
	}

	doc, err := s.docs.Read(docID)
	if err != nil {
		return "", err
	}
	if doc == nil {
		return "", fault.Newf(fault.NotFound, "document %s not found", docID)
	}
	if !doc.OwnedBy(self) {
		return "", fault.New(fault.NotAllowed, "only an owner may share a document")
	}

	target, err := s.directory.LookupByEmail(targetEmail)
	if err != nil {
		return "", err
	}
	if target.ID == self {
		return "", fault.New(fault.NotAllowed, "cannot share a document with yourself")
	}

	id, err := s.store.As(self).Add(model.DocShares, store.Fields{
		"docId":     docID,
		"fromId":    self,
		"toId":      target.ID,
		"status":    string(model.StatusPending),
		"createdAt": store.ServerTime,
		"updatedAt": store.ServerTime,
	})
	if err != nil {
		return "", err
	}
	s.log.Info("share requested", "share", id, "doc", docID, "from", self, "to", target.ID)
	return id, nil
}

// Respond answers a pending share: accept and decline belong to the
// recipient, cancel to the sharing owner. Any other combination, or a
// share already out of pending, is not-allowed.
func (s *Service) Respond(shareID string, action Action) error {
	self, err := session.Require(s.session)
	if err != nil {
		return err
	}
	client := s.store.As(self)

	rec, ok, err := client.Get(model.DocShares, shareID)
	if err != nil {
		return err
	}
	if !ok {
		return fault.Newf(fault.NotFound, "share %s not found", shareID)
	}
	sh := model.DocShareFromRecord(rec)
	if sh.Status != model.StatusPending {
		return fault.Newf(fault.NotAllowed, "share is already %s", sh.Status)
	}

	var next model.Status
	switch action {
	case Accept, Decline:
		if sh.ToID != self {
			return fault.New(fault.NotAllowed, "only the recipient may accept or decline")
		}
		next = model.StatusAccepted
		if action == Decline {
			next = model.StatusDeclined
		}
	case Cancel:
		if sh.FromID != self {
			return fault.New(fault.NotAllowed, "only the sender may cancel")
		}
		next = model.StatusCancelled
	default:
		return fault.Newf(fault.NotAllowed, "unknown action %q", action)
	}

	if err := client.Update(model.DocShares, shareID, store.Fields{
		"status":    string(next),
		"updatedAt": store.ServerTime,
	}); err != nil {
		return err
	}
	s.log.Info("share answered", "share", shareID, "by", self, "status", string(next))
	return nil
}

// Claim completes an accepted share: the recipient grants themselves
// editor access on the shared document. Safe to call repeatedly; the
// grant is an idempotent set insert.
//
// A claim raced against the acceptance itself may read the share before
// the accepted status is visible. The protocol tolerates that with one
// bounded wait-and-reread, then fails stale; callers decide whether to
// try again.
func (s *Service) Claim(ctx context.Context, shareID string) error {
	self, err := session.Require(s.session)
	if err != nil {
		return err
	}
	client := s.store.As(self)

	var sh model.DocShare
	err = s.claimRetry.Do(ctx, func(context.Context) (bool, error) {
		rec, ok, err := client.Get(model.DocShares, shareID)
		if err != nil {
			return true, err
		}
		if !ok {
			return false, fault.Newf(fault.Stale, "share %s not visible yet", shareID)
		}
		sh = model.DocShareFromRecord(rec)
		if sh.ToID != self {
			return true, fault.New(fault.NotAllowed, "only the recipient may claim")
		}
		switch sh.Status {
		case model.StatusAccepted:
			return true, nil
		case model.StatusPending:
			return false, fault.New(fault.Stale, "share acceptance not yet visible")
		default:
			return true, fault.Newf(fault.NotAllowed, "share is %s", sh.Status)
		}
	})
	if err != nil {
		return err
	}

	if err := s.docs.GrantEditor(sh.DocID, shareID); err != nil {
		return err
	}
	s.log.Info("share claimed", "share", shareID, "doc", sh.DocID, "editor", self)
	return nil
}

// SubscribeIncoming streams shares addressed to the caller, newest first.
func (s *Service) SubscribeIncoming(fn func([]model.DocShare)) (store.Disposer, error) {
	return s.subscribeBy("toId", fn)
}

// SubscribeOutgoing streams shares sent by the caller, newest first.
func (s *Service) SubscribeOutgoing(fn func([]model.DocShare)) (store.Disposer, error) {
	return s.subscribeBy("fromId", fn)
}

func (s *Service) subscribeBy(field string, fn func([]model.DocShare)) (store.Disposer, error) {
	self, err := session.Require(s.session)
	if err != nil {
		return nil, err
	}
	return s.store.As(self).Subscribe(store.Query{
		Collection: model.DocShares,
		Wheres:     []store.Where{{Field: field, Op: store.Eq, Value: self}},
		OrderBy:    []store.Order{{Field: "createdAt", Desc: true}},
	}, func(recs []store.Record) {
		shares := make([]model.DocShare, len(recs))
		for i, rec := range recs {
			shares[i] = model.DocShareFromRecord(rec)
		}
		fn(shares)
	})
}
