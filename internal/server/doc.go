// Package server exposes the pull server's REST API.
//
// The server serves three audiences from a single mux:
//
//   - Operators, authenticated by session cookie or personal access token,
//     under /api/v1. Global permissions gate route groups and per-resource
//     ACLs are checked inside the handlers once names have been resolved to
//     resource IDs.
//   - Nodes, authenticated by TLS client certificate fingerprint, under
//     /api/v1/nodes. A node can only read and report against itself; the
//     one exception is registration, where the presented certificate is
//     being enrolled rather than verified.
//   - Scrapers, on /healthz and /metrics without authentication.
//
// All domain work is delegated through the central API handler registry, so
// the package stays a thin translation layer: decode the request, call the
// handler, map the typed error to a status code. TLS certificates are
// reloaded from disk on change, which lets an external issuer renew the
// serving pair without a restart.
package server
