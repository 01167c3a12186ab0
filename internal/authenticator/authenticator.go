// Package authenticator declares the authorization guard contract the HTTP
// layer depends on, so handlers can be tested with a stub identity source.
package authenticator

import "github.com/patric-chuzhbe/elib/internal/auth"

type Authenticator interface {
	ResolveIdentity(rawHeaderValue string) (auth.AuthContext, error)
}
