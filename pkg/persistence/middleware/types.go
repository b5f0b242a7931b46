// Package middleware wraps attribute stores with cross-cutting behavior.
package middleware

import "github.com/aretw0/blockq/pkg/ports"

// Middleware allows wrapping an AttributeStore to add behavior.
type Middleware func(ports.AttributeStore[string]) ports.AttributeStore[string]

// Chain applies mws so that the first one is the outermost.
func Chain(store ports.AttributeStore[string], mws ...Middleware) ports.AttributeStore[string] {
	for i := len(mws) - 1; i >= 0; i-- {
		store = mws[i](store)
	}
	return store
}
