// Package identity derives stable lease-holder identities from application names.
package identity

import (
	"github.com/google/uuid"
)

// namespace is the fixed UUID namespace for app-lease identities.
// Changing it would change every derived identity, so it is frozen.
var namespace = uuid.MustParse("8c2f9a4e-1d37-4b6a-9f0e-5a7c3d21e684")

// Identity is a deterministic, name-derived credential used to hold,
// renew, and transfer a lease. The zero value means "no identity".
type Identity string

// Resolve derives the identity for an application name.
// The same name always resolves to the same identity across processes,
// restarts, and versions; distinct names resolve to distinct identities
// up to hash collision.
func Resolve(appName string) Identity {
	return Identity(uuid.NewSHA1(namespace, []byte(appName)).String())
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool {
	return i == ""
}

func (i Identity) String() string {
	return string(i)
}
