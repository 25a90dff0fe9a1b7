package session

import "strings"

// PeerID is a transport-safe identifier used to address a party on the
// peer-connection broker. It is derived deterministically from an account
// identifier and never persisted independently.
type PeerID string

// The broker rejects identifiers containing '@' and '.', so both are
// escaped with distinct multi-character sequences. The sequences must be
// distinct from each other so that "a.b@x" and "a@b.x" cannot collide.
const (
	atEscape  = "-at-"
	dotEscape = "-dot-"
)

// ToPeerID derives a broker-safe peer identifier from an account
// identifier (an email address in this domain).
//
// The mapping is deterministic: two computations over the same input
// always yield the same PeerID, and distinct well-formed email addresses
// yield distinct PeerIDs. Returns ErrInvalidIdentity for empty input.
func ToPeerID(accountID string) (PeerID, error) {
	if strings.TrimSpace(accountID) == "" {
		return "", ErrInvalidIdentity
	}
	escaped := strings.ReplaceAll(accountID, "@", atEscape)
	escaped = strings.ReplaceAll(escaped, ".", dotEscape)
	return PeerID(escaped), nil
}

// AccountID reverses the escape applied by ToPeerID, by convention. The
// result is only meaningful for PeerIDs produced by ToPeerID.
func (p PeerID) AccountID() string {
	s := strings.ReplaceAll(string(p), atEscape, "@")
	return strings.ReplaceAll(s, dotEscape, ".")
}

func (p PeerID) String() string {
	return string(p)
}
