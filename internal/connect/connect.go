// Package connect implements the mutual-trust request state machine
// between two users.
//
// Connections live under a deterministic pair id, so either party can
// address the record without a prior lookup and at most one record
// exists per unordered pair. The lifecycle is pending to accepted or
// declined, decided once, by the recipient only.
package connect

import (
	"log/slog"

	"github.com/roach88/tandem/internal/fault"
	"github.com/roach88/tandem/internal/model"
	"github.com/roach88/tandem/internal/session"
	"github.com/roach88/tandem/internal/store"
)

// Action is a recipient's answer to a pending connection.
type Action string

const (
	Accept  Action = "accept"
	Decline Action = "decline"
)

// SharedEnsurer creates the connection's shared document if it does not
// exist yet. Implemented by the document sync engine.
type SharedEnsurer interface {
	EnsureShared(connectionID, fromID, toID string) error
}

// Service runs the connection state machine.
type Service struct {
	store   *store.Store
	session session.Provider
	shared  SharedEnsurer
	log     *slog.Logger
}

func New(s *store.Store, sess session.Provider, shared SharedEnsurer, log *slog.Logger) *Service {
	return &Service{store: s, session: sess, shared: shared, log: log}
}

// Request asks for a connection to target. The write is an upsert with
// no pre-read: the pair record may already exist in the reverse
// direction, and reading it first could itself be denied. When the
// store rejects the write because a record is already there (only its
// recipient may touch it), that surfaces as a conflict.
func (s *Service) Request(targetID string) error {
	self, err := session.Require(s.session)
	if err != nil {
		return err
	}
	if targetID == self {
		return fault.New(fault.NotAllowed, "cannot connect to yourself")
	}
	if targetID == "" {
		return fault.New(fault.NotFound, "no target user")
	}

	pairID := model.PairID(self, targetID)
	err = s.store.As(self).Set(model.Connections, pairID, store.Fields{
		"fromId":    self,
		"toId":      targetID,
		"status":    string(model.StatusPending),
		"createdAt": store.ServerTime,
		"updatedAt": store.ServerTime,
	}, false)
	if fault.IsNotAllowed(err) {
		return fault.Wrap(fault.Conflict, "connection already exists for this pair", err)
	}
	if err != nil {
		return err
	}
	s.log.Info("connection requested", "pair", pairID, "from", self, "to", targetID)
	return nil
}

// Respond answers the pending connection with the given user. Only the
// recipient of a pending record may respond; anything else is
// not-allowed. Accepting also ensures the pair's shared document.
func (s *Service) Respond(otherID string, action Action) error {
	self, err := session.Require(s.session)
	if err != nil {
		return err
	}
	if action != Accept && action != Decline {
		return fault.Newf(fault.NotAllowed, "unknown action %q", action)
	}

	pairID := model.PairID(self, otherID)
	client := s.store.As(self)

	rec, ok, err := client.Get(model.Connections, pairID)
	if err != nil {
		return err
	}
	if !ok {
		return fault.Newf(fault.NotFound, "connection %s not found", pairID)
	}
	conn := model.ConnectionFromRecord(rec)
	if conn.ToID != self {
		return fault.New(fault.NotAllowed, "only the recipient may respond")
	}
	if conn.Status != model.StatusPending {
		return fault.Newf(fault.NotAllowed, "connection is already %s", conn.Status)
	}

	next := model.StatusDeclined
	if action == Accept {
		next = model.StatusAccepted
	}
	if err := client.Update(model.Connections, pairID, store.Fields{
		"status":    string(next),
		"updatedAt": store.ServerTime,
	}); err != nil {
		return err
	}
	s.log.Info("connection answered", "pair", pairID, "by", self, "status", string(next))

	if next == model.StatusAccepted {
		if err := s.shared.EnsureShared(pairID, conn.FromID, conn.ToID); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeIncoming streams connections addressed to the caller, newest
// first.
func (s *Service) SubscribeIncoming(fn func([]model.Connection)) (store.Disposer, error) {
	return s.subscribeBy("toId", fn)
}

// SubscribeOutgoing streams connections initiated by the caller, newest
// first.
func (s *Service) SubscribeOutgoing(fn func([]model.Connection)) (store.Disposer, error) {
	return s.subscribeBy("fromId", fn)
}

func (s *Service) subscribeBy(field string, fn func([]model.Connection)) (store.Disposer, error) {
	self, err := session.Require(s.session)
	if err != nil {
		return nil, err
	}
	return s.store.As(self).Subscribe(store.Query{
		Collection: model.Connections,
		Wheres:     []store.Where{{Field: field, Op: store.Eq, Value: self}},
		OrderBy:    []store.Order{{Field: "createdAt", Desc: true}},
	}, func(recs []store.Record) {
		conns := make([]model.Connection, len(recs))
		for i, rec := range recs {
			conns[i] = model.ConnectionFromRecord(rec)
		}
		fn(conns)
	})
}
