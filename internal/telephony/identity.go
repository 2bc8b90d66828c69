package telephony

import (
	"context"
	"fmt"
	"strings"
)

// Identity is the agent's signaling identity. It is immutable for the
// lifetime of a registration attempt.
type Identity struct {
	Username   string
	Credential string
	Domain     string
}

// Validate fails with ErrConfig when any field is blank
func (id Identity) Validate() error {
	var missing []string
	if strings.TrimSpace(id.Username) == "" {
		missing = append(missing, "username")
	}
	if id.Credential == "" {
		missing = append(missing, "credential")
	}
	if strings.TrimSpace(id.Domain) == "" {
		missing = append(missing, "domain")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: identity missing %s", ErrConfig, strings.Join(missing, ", "))
	}
	return nil
}

// AOR returns the address-of-record, e.g. sip:1001@pbx.example.com
func (id Identity) AOR() string {
	return fmt.Sprintf("sip:%s@%s", id.Username, id.Domain)
}

// IdentityProvider supplies the identity to register
type IdentityProvider interface {
	Identity(ctx context.Context) (Identity, error)
}

// IdentityProviderFunc adapts a function to IdentityProvider
type IdentityProviderFunc func(ctx context.Context) (Identity, error)

func (f IdentityProviderFunc) Identity(ctx context.Context) (Identity, error) {
	return f(ctx)
}

// StaticIdentity always returns the same identity
type StaticIdentity Identity

func (s StaticIdentity) Identity(context.Context) (Identity, error) {
	return Identity(s), nil
}
