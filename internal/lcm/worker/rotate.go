package worker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"sync"
	"time"

	"github.com/opendsc/opendsc/internal/lcm/certs"
	"github.com/opendsc/opendsc/internal/lcm/pull"
	"github.com/opendsc/opendsc/pkg/logging"
)

// CertRotator rotates the managed client certificate through the pull
// server: once two thirds of the lifetime are gone it stages a replacement,
// registers it over the still-valid current certificate and only then
// promotes it and swaps the client's transport. Platform-provisioned
// certificates are rotated externally and never pass through here.
type CertRotator struct {
	manager *certs.Manager
	client  *pull.Client

	mu   sync.Mutex
	leaf *x509.Certificate
}

// NewCertRotator creates a rotator for the given managed certificate.
func NewCertRotator(manager *certs.Manager, client *pull.Client, current tls.Certificate) *CertRotator {
	r := &CertRotator{manager: manager, client: client}
	r.leaf = current.Leaf
	if r.leaf == nil && len(current.Certificate) > 0 {
		r.leaf, _ = x509.ParseCertificate(current.Certificate[0])
	}
	return r
}

// RotateIfDue performs a rotation when the current certificate is due. A
// server that rejects the replacement leaves the current certificate in
// place; the staged pair is discarded and retried next cycle.
func (r *CertRotator) RotateIfDue(ctx context.Context) error {
	r.mu.Lock()
	leaf := r.leaf
	r.mu.Unlock()
	if !certs.NeedsRotation(leaf, time.Now()) {
		return nil
	}
	if !r.client.Registered() {
		// Nothing to rotate against yet; registration will carry the
		// current certificate's fingerprint.
		return nil
	}
	logging.Info("Certs", "Client certificate is due for rotation")

	staged, certPEM, err := r.manager.StageReplacement()
	if err != nil {
		return err
	}
	if err := r.client.RotateCertificate(ctx, certPEM); err != nil {
		r.manager.DiscardStaged()
		return err
	}
	if err := r.manager.Promote(); err != nil {
		return err
	}
	r.client.SetCertificate(staged)
	r.mu.Lock()
	r.leaf = staged.Leaf
	r.mu.Unlock()
	logging.Info("Certs", "Client certificate rotated")
	return nil
}
