// Package api is the central contract layer between the domain services and
// the surfaces that consume them (HTTP server, CLI, retention worker).
//
// Each domain package implements one of the *Handler interfaces and
// registers itself through the matching Register* function, usually from a
// small api_adapter.go file. Consumers fetch handlers through the Get*
// functions and never import domain packages directly, which keeps the
// dependency graph acyclic:
//
//	domain package -> api <- server / cli
//
// The package also defines the shared info and request types exchanged
// across that boundary, and the typed error kinds (NotFoundError,
// ConflictError, SemVerViolationError, ...) with their errors.As based
// Is* helpers that the HTTP layer maps onto status codes.
package api
