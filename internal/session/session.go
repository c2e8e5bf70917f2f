// Package session is the identity boundary. Sign-in and token issuance
// live outside the system; services only need the current user id.
package session

import "github.com/roach88/tandem/internal/fault"

// Provider yields the acting user id, or "" when nobody is signed in.
type Provider interface {
	CurrentUserID() string
}

// Static is a fixed identity, used by the harness, the gateway (which
// authenticates per socket) and tests.
type Static string

func (s Static) CurrentUserID() string { return string(s) }

// Require returns the current user id or a not-signed-in fault.
func Require(p Provider) (string, error) {
	uid := p.CurrentUserID()
	if uid == "" {
		return "", fault.New(fault.NotSignedIn, "no signed-in user")
	}
	return uid, nil
}
