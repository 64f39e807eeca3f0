package identity

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// SVIDSource yields the workload's current X.509 SVID.
type SVIDSource interface {
	GetX509SVID() (*x509svid.SVID, error)
}

// CredentialHasher resolves the credential hash stored in an identity
// record from a SPIFFE SVID.
type CredentialHasher struct {
	source SVIDSource
	closer func() error
}

// NewCredentialHasher connects to the SPIRE agent on socketPath.
func NewCredentialHasher(ctx context.Context, socketPath string) (*CredentialHasher, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to SPIRE agent: %w", err)
	}

	slog.Info("Connected to SPIRE agent", "socket_path", socketPath)
	return &CredentialHasher{source: source, closer: source.Close}, nil
}

// NewCredentialHasherFrom uses an existing SVID source.
func NewCredentialHasherFrom(source SVIDSource) *CredentialHasher {
	return &CredentialHasher{source: source}
}

// Hash verifies that the current SVID carries spiffeID and returns the
// 64-bit hash of its leaf certificate.
func (c *CredentialHasher) Hash(spiffeID string) (uint64, error) {
	id, err := spiffeid.FromString(spiffeID)
	if err != nil {
		return 0, fmt.Errorf("invalid SPIFFE ID: %w", err)
	}

	svid, err := c.source.GetX509SVID()
	if err != nil {
		return 0, fmt.Errorf("fetch SVID: %w", err)
	}
	if svid.ID != id {
		return 0, fmt.Errorf("SPIFFE ID mismatch: expected %s, got %s", id, svid.ID)
	}
	if len(svid.Certificates) == 0 {
		return 0, fmt.Errorf("SVID for %s has no certificates", id)
	}
	return Hash64(sha256.Sum256(svid.Certificates[0].Raw)), nil
}

func (c *CredentialHasher) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// AgentSPIFFEID builds the SPIFFE ID of an agent, e.g.
// spiffe://ocx.example.com/agent/procurement-bot.
func AgentSPIFFEID(trustDomain, agentID string) string {
	return fmt.Sprintf("spiffe://%s/agent/%s", trustDomain, agentID)
}
