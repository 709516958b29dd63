// Package identity provides SPIFFE/SPIRE-based mutual TLS for server-to-
// server backend connections, layered underneath the UUID/dbname handshake
// in the cluster package: a peer must present a valid SVID for this trust
// domain before the application-level handshake runs at all.
package identity

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// Identity wraps a SPIRE workload API connection and provides the mTLS
// configs the backend listener and backend dialer need.
type Identity struct {
	source      *workloadapi.X509Source
	trustDomain spiffeid.TrustDomain
}

// Connect dials the SPIRE agent at socketPath and fetches this workload's
// X.509 SVID. A short timeout keeps a missing SPIRE agent from blocking
// process startup indefinitely.
func Connect(socketPath, trustDomain string) (*Identity, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("identity: connecting to SPIRE at %s: %w", socketPath, err)
	}

	td, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("identity: invalid trust domain %q: %w", trustDomain, err)
	}

	slog.Info("identity: connected to SPIRE agent", "socket_path", socketPath, "trust_domain", trustDomain)
	return &Identity{source: source, trustDomain: td}, nil
}

// ServerID returns the SPIFFE ID this process should present for a given
// cluster server UUID: one path segment per UUID, so an authorizer can map
// a validated SVID straight back to a cluster.Server without trusting the
// application-level handshake payload alone.
func (id *Identity) ServerID(serverUUID uuid.UUID) spiffeid.ID {
	return spiffeid.RequireFromPath(id.trustDomain, "/server/"+serverUUID.String())
}

// ListenerTLSConfig returns a TLS config for the backend listener: it
// requires and verifies a client certificate, authorizing only IDs under
// this trust domain's /server/ path.
func (id *Identity) ListenerTLSConfig() *tls.Config {
	return tlsconfig.MTLSServerConfig(id.source, id.source, id.authorizer())
}

// DialerTLSConfig returns a TLS config for outbound backend connections,
// mirroring the listener's authorization policy.
func (id *Identity) DialerTLSConfig() *tls.Config {
	return tlsconfig.MTLSClientConfig(id.source, id.source, id.authorizer())
}

func (id *Identity) authorizer() tlsconfig.Authorizer {
	return tlsconfig.AdaptMatcher(func(actual spiffeid.ID) error {
		if actual.TrustDomain() != id.trustDomain {
			return fmt.Errorf("identity: peer trust domain %q is not %q", actual.TrustDomain(), id.trustDomain)
		}
		if !isServerPath(actual) {
			return fmt.Errorf("identity: peer id %q is not under /server/", actual)
		}
		return nil
	})
}

// isServerPath reports whether id's path begins with /server/.
func isServerPath(id spiffeid.ID) bool {
	const prefix = "/server/"
	p := id.Path()
	return len(p) >= len(prefix) && p[:len(prefix)] == prefix
}

// Close releases the SPIRE workload API connection.
func (id *Identity) Close() error {
	return id.source.Close()
}
