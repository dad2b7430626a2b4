package server

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/opendsc/opendsc/internal/api"
	"github.com/opendsc/opendsc/internal/auth"
)

// sessionCookieName carries the operator session token.
const sessionCookieName = "opendsc_session"

type contextKey int

const (
	identityContextKey contextKey = iota
	nodeContextKey
)

// identityFrom returns the operator identity attached by operatorAuth.
func identityFrom(ctx context.Context) *api.IdentityInfo {
	identity, _ := ctx.Value(identityContextKey).(*api.IdentityInfo)
	return identity
}

// nodeFrom returns the node identity attached by nodeAuth.
func nodeFrom(ctx context.Context) *api.NodeInfo {
	node, _ := ctx.Value(nodeContextKey).(*api.NodeInfo)
	return node
}

// operator wraps a handler with operator authentication and, when permission
// is non-empty, a global permission check. Resource-level checks stay in the
// handlers because they need the resource id.
func (s *Server) operator(permission string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authMgr := api.GetAuthManager()
		if authMgr == nil {
			writeError(w, fmt.Errorf("auth manager not registered"))
			return
		}

		identity, err := resolveOperator(r, authMgr)
		if err != nil {
			writeError(w, err)
			return
		}
		if permission != "" {
			if err := authMgr.CheckPermission(r.Context(), identity.Username, permission); err != nil {
				writeError(w, err)
				return
			}
		}
		next(w, r.WithContext(context.WithValue(r.Context(), identityContextKey, identity)))
	}
}

// resolveOperator authenticates a request by bearer access token or session
// cookie, in that order.
func resolveOperator(r *http.Request, authMgr api.AuthManagerHandler) (*api.IdentityInfo, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return nil, api.NewUnauthorizedError("unsupported authorization scheme")
		}
		return authMgr.ResolveAccessToken(r.Context(), strings.TrimSpace(token))
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return authMgr.ResolveSession(r.Context(), cookie.Value)
	}
	return nil, api.NewUnauthorizedError("missing credentials")
}

// authorizeResource checks the calling operator against the ACL for one
// resource.
func (s *Server) authorizeResource(r *http.Request, resourceType, resourceID, level string) error {
	authMgr := api.GetAuthManager()
	if authMgr == nil {
		return fmt.Errorf("auth manager not registered")
	}
	return authMgr.CheckResourceAccess(r.Context(), identityFrom(r.Context()).Username, resourceType, resourceID, level)
}

// requireSelfOrUserAdmin allows an operator to act on their own account, or
// on any account when they hold users.manage.
func (s *Server) requireSelfOrUserAdmin(r *http.Request, username string) error {
	identity := identityFrom(r.Context())
	if identity.Username == username {
		return nil
	}
	return api.GetAuthManager().CheckPermission(r.Context(), identity.Username, auth.PermissionUsersManage)
}

// node wraps a handler with client-certificate authentication. The peer
// certificate's fingerprint is matched against registered nodes; the matched
// node rides on the context and its last-seen timestamp is refreshed.
func (s *Server) node(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeMgr := api.GetNodeManager()
		if nodeMgr == nil {
			writeError(w, fmt.Errorf("node manager not registered"))
			return
		}

		cert := peerCertificate(r)
		if cert == nil {
			writeError(w, api.NewUnauthorizedError("client certificate required"))
			return
		}
		node, err := nodeMgr.LookupByFingerprint(r.Context(), certFingerprint(cert))
		if err != nil {
			if api.IsNotFound(err) {
				err = api.NewUnauthorizedError("client certificate is not registered")
			}
			writeError(w, err)
			return
		}
		nodeMgr.TouchLastSeen(r.Context(), node.ID)
		next(w, r.WithContext(context.WithValue(r.Context(), nodeContextKey, node)))
	}
}

// nodeFromPath returns the authenticated node after checking it matches the
// {id} path segment. Nodes can only ever operate on themselves.
func nodeFromPath(w http.ResponseWriter, r *http.Request) (*api.NodeInfo, bool) {
	node := nodeFrom(r.Context())
	if id := r.PathValue("id"); id != node.ID {
		writeError(w, api.NewForbiddenError("certificate does not match node "+id))
		return nil, false
	}
	return node, true
}

func peerCertificate(r *http.Request) *x509.Certificate {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil
	}
	return r.TLS.PeerCertificates[0]
}

// certFingerprint is the SHA-256 of the certificate's DER encoding, hex
// encoded. This is the identity nodes are registered and matched under.
func certFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
