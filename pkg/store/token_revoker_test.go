package store

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func revokerBackends(t *testing.T) map[string]IdentityTokenRevoker {
	return map[string]IdentityTokenRevoker{
		"memory": NewMemoryTokenRevoker(),
		"redis":  NewRedisTokenRevoker(miniredis.RunT(t).Addr(), "", time.Hour),
	}
}

func TestTokenRevokerRevokeByID(t *testing.T) {
	for name, r := range revokerBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := r.Revoke("jti-1", time.Minute); err != nil {
				t.Fatalf("revoke: %v", err)
			}
			revoked, err := r.IsRevoked("jti-1")
			if err != nil || !revoked {
				t.Fatalf("expected revoked, got %v err=%v", revoked, err)
			}
			revoked, err = r.IsRevoked("jti-2")
			if err != nil || revoked {
				t.Fatalf("expected jti-2 not revoked, got %v err=%v", revoked, err)
			}
			if err := r.Revoke("jti-3", 0); err != nil {
				t.Fatalf("revoke expired: %v", err)
			}
			if revoked, _ := r.IsRevoked("jti-3"); revoked {
				t.Fatalf("expected zero ttl to be ignored")
			}
		})
	}
}

func TestTokenRevokerIdentityCutoffMonotonic(t *testing.T) {
	for name, r := range revokerBackends(t) {
		t.Run(name, func(t *testing.T) {
			first := time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond)
			second := time.Now().UTC().Truncate(time.Microsecond)

			if got, err := r.RevokedAfter("ident-1"); err != nil || !got.IsZero() {
				t.Fatalf("expected no cutoff, got %v err=%v", got, err)
			}
			if err := r.RevokeIdentity("ident-1", first); err != nil {
				t.Fatalf("revoke first: %v", err)
			}
			if err := r.RevokeIdentity("ident-1", first.Add(-time.Minute)); err != nil {
				t.Fatalf("revoke older: %v", err)
			}
			got, err := r.RevokedAfter("ident-1")
			if err != nil {
				t.Fatalf("revoked after: %v", err)
			}
			if !got.Equal(first) {
				t.Fatalf("expected first cutoff kept, got %v", got)
			}
			if err := r.RevokeIdentity("ident-1", second); err != nil {
				t.Fatalf("revoke second: %v", err)
			}
			got, _ = r.RevokedAfter("ident-1")
			if !got.Equal(second) {
				t.Fatalf("expected newest cutoff, got %v", got)
			}
		})
	}
}
