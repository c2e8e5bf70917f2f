// Package directory maps normalized emails to user ids and bootstraps
// the caller's own profile record.
package directory

import (
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/tandem/internal/fault"
	"github.com/roach88/tandem/internal/model"
	"github.com/roach88/tandem/internal/session"
	"github.com/roach88/tandem/internal/store"
)

// NormalizeEmail canonicalizes an email for index lookup: Unicode NFC,
// surrounding whitespace trimmed, lowered.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(email)))
}

// Directory is the read-mostly profile index.
type Directory struct {
	store   *store.Store
	session session.Provider
	log     *slog.Logger
}

func New(s *store.Store, sess session.Provider, log *slog.Logger) *Directory {
	return &Directory{store: s, session: sess, log: log}
}

// LookupByEmail resolves a normalized email to a profile. Fails with a
// not-found fault when no profile carries that email.
func (d *Directory) LookupByEmail(email string) (model.User, error) {
	uid, err := session.Require(d.session)
	if err != nil {
		return model.User{}, err
	}
	lower := NormalizeEmail(email)
	recs, err := d.store.As(uid).List(store.Query{
		Collection: model.Users,
		Wheres:     []store.Where{{Field: "emailLower", Op: store.Eq, Value: lower}},
	})
	if err != nil {
		return model.User{}, err
	}
	if len(recs) == 0 {
		return model.User{}, fault.Newf(fault.NotFound, "no user with email %q", lower)
	}
	return model.UserFromRecord(recs[0]), nil
}

// EnsureProfile creates or repairs the caller's own users record. Only
// absent fields are filled in; existing display attributes are kept.
func (d *Directory) EnsureProfile(email, displayName, photoURL string) error {
	uid, err := session.Require(d.session)
	if err != nil {
		return err
	}
	client := d.store.As(uid)

	existing, ok, err := client.Get(model.Users, uid)
	if err != nil {
		return err
	}
	patch := store.Fields{}
	put := func(key, val string) {
		if val == "" {
			return
		}
		if ok && existing.Fields.String(key) != "" {
			return
		}
		patch[key] = val
	}
	put("emailLower", NormalizeEmail(email))
	put("displayName", displayName)
	put("photoURL", photoURL)
	if ok && len(patch) == 0 {
		return nil
	}
	patch["updatedAt"] = store.ServerTime
	if !ok {
		patch["createdAt"] = store.ServerTime
	}
	d.log.Info("profile ensured", "uid", uid, "created", !ok)
	return client.Set(model.Users, uid, patch, true)
}

// ReadUsers loads the given profiles for display. Missing ids are
// skipped rather than failing the whole batch.
func (d *Directory) ReadUsers(uids []string) ([]model.User, error) {
	self, err := session.Require(d.session)
	if err != nil {
		return nil, err
	}
	client := d.store.As(self)
	users := make([]model.User, 0, len(uids))
	for _, uid := range uids {
		rec, ok, err := client.Get(model.Users, uid)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		users = append(users, model.UserFromRecord(rec))
	}
	return users, nil
}
