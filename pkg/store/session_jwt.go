package store

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultJWTIssuer   = "bookbuddy-auth"
	defaultJWTAudience = "bookbuddy-library"
	ephemeralKeyBits   = 2048
)

var defaultJWTLeeway = 30 * time.Second

var (
	// ErrTokenRevoked is returned for tokens revoked by jti or identity cutoff.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrJWTNotConfigured is returned when no signing key is loaded.
	ErrJWTNotConfigured = errors.New("jwt store not configured")
)

// JWTOptions configures JWT claim validation behavior.
type JWTOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// identityClaims marks every token as issued to an anonymous identity.
type identityClaims struct {
	jwt.RegisteredClaims
	Anonymous bool `json:"anon"`
}

// JWTSessionStore issues and validates RS256 access tokens for anonymous
// identities and publishes its verification keys as a JWKS.
type JWTSessionStore struct {
	ttl     time.Duration
	revoker TokenRevoker

	signer    *rsa.PrivateKey
	signerKid string
	verifiers map[string]*rsa.PublicKey

	issuer   string
	audience string
	leeway   time.Duration
}

// NewJWTRS256SessionStoreFromPEM builds a RS256 JWT session store from PEM files.
// verifyKeyFiles maps kid -> public key path and can include previous keys.
func NewJWTRS256SessionStoreFromPEM(
	privateKeyPath string,
	publicKeyPath string,
	keyID string,
	verifyKeyFiles map[string]string,
	ttl time.Duration,
	revoker TokenRevoker,
	opts JWTOptions,
) (*JWTSessionStore, error) {
	privateKey, err := loadRSAPrivateKeyFromPEMFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load jwt private key: %w", err)
	}
	activePub := &privateKey.PublicKey
	if strings.TrimSpace(publicKeyPath) != "" {
		activePub, err = loadRSAPublicKeyFromPEMFile(publicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load jwt public key: %w", err)
		}
	}
	s := newJWTSessionStore(privateKey, activePub, keyID, ttl, revoker, opts)
	for kid, path := range verifyKeyFiles {
		kid = strings.TrimSpace(kid)
		path = strings.TrimSpace(path)
		if kid == "" || path == "" {
			continue
		}
		pub, err := loadRSAPublicKeyFromPEMFile(path)
		if err != nil {
			return nil, fmt.Errorf("load verify key %q: %w", kid, err)
		}
		s.verifiers[kid] = pub
	}
	return s, nil
}

// NewEphemeralJWTSessionStore signs with a key generated at startup. Tokens
// do not survive a restart; meant for local development.
func NewEphemeralJWTSessionStore(ttl time.Duration, revoker TokenRevoker, opts JWTOptions) (*JWTSessionStore, error) {
	key, err := rsa.GenerateKey(rand.Reader, ephemeralKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate jwt key: %w", err)
	}
	return newJWTSessionStore(key, &key.PublicKey, "ephemeral-"+tokenID(4), ttl, revoker, opts), nil
}

func newJWTSessionStore(
	key *rsa.PrivateKey,
	pub *rsa.PublicKey,
	keyID string,
	ttl time.Duration,
	revoker TokenRevoker,
	opts JWTOptions,
) *JWTSessionStore {
	if strings.TrimSpace(keyID) == "" {
		keyID = "jwt-active"
	}
	opts = normalizeJWTOptions(opts)
	return &JWTSessionStore{
		ttl:       ttl,
		revoker:   revoker,
		signer:    key,
		signerKid: keyID,
		verifiers: map[string]*rsa.PublicKey{keyID: pub},
		issuer:    opts.Issuer,
		audience:  opts.Audience,
		leeway:    opts.Leeway,
	}
}

// TTL returns the access token lifetime.
func (s *JWTSessionStore) TTL() time.Duration { return s.ttl }

// NewSession creates a signed JWT whose subject is the identity ID.
func (s *JWTSessionStore) NewSession(identityID string) (string, error) {
	if s.signer == nil {
		return "", ErrJWTNotConfigured
	}
	if strings.TrimSpace(identityID) == "" {
		return "", errors.New("identity id required")
	}
	now := time.Now().UTC()
	claims := identityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identityID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        tokenID(12),
		},
		Anonymous: true,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.signerKid
	return token.SignedString(s.signer)
}

// GetIdentityIDByToken validates a JWT and returns the subject.
func (s *JWTSessionStore) GetIdentityIDByToken(token string) (string, bool, error) {
	claims, err := s.parseAndVerify(token)
	if err != nil {
		return "", false, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", false, errors.New("token subject missing")
	}
	if err := s.checkRevoked(claims); err != nil {
		return "", false, err
	}
	return claims.Subject, true, nil
}

// checkRevoked rejects tokens revoked by jti, or issued no later than the
// identity's sign-out-everywhere cutoff.
func (s *JWTSessionStore) checkRevoked(claims identityClaims) error {
	if s.revoker == nil {
		return nil
	}
	if revoked, err := s.revoker.IsRevoked(claims.ID); err != nil || revoked {
		if err != nil {
			return err
		}
		return ErrTokenRevoked
	}
	byIdentity, ok := s.revoker.(IdentityTokenRevoker)
	if !ok {
		return nil
	}
	cutoff, err := byIdentity.RevokedAfter(claims.Subject)
	if err != nil || cutoff.IsZero() {
		return err
	}
	if claims.IssuedAt == nil || !claims.IssuedAt.Time.UTC().After(cutoff) {
		return ErrTokenRevoked
	}
	return nil
}

// DeleteSession revokes the token until it expires. Invalid tokens are
// ignored since they cannot be used anyway.
func (s *JWTSessionStore) DeleteSession(token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.parseAndVerify(token)
	if err != nil || claims.ExpiresAt == nil {
		return nil
	}
	return s.revoker.Revoke(claims.ID, time.Until(claims.ExpiresAt.Time))
}

// RevokeIdentitySessions revokes all sessions for an identity issued at or
// before since.
func (s *JWTSessionStore) RevokeIdentitySessions(identityID string, since time.Time) error {
	if s.revoker == nil {
		return nil
	}
	identityRevoker, ok := s.revoker.(IdentityTokenRevoker)
	if !ok {
		return errors.New("session revoker does not support identity revocation")
	}
	return identityRevoker.RevokeIdentity(identityID, since)
}

// JWKS returns the verification keys sorted by kid.
func (s *JWTSessionStore) JWKS() []JWK {
	kids := make([]string, 0, len(s.verifiers))
	for kid := range s.verifiers {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	out := make([]JWK, 0, len(kids))
	for _, kid := range kids {
		pub := s.verifiers[kid]
		out = append(out, JWK{
			Kty: "RSA",
			Use: "sig",
			Kid: kid,
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return out
}

func (s *JWTSessionStore) parseAndVerify(token string) (identityClaims, error) {
	claims := identityClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, errors.New("invalid token format")
	}
	if len(s.verifiers) == 0 {
		return claims, ErrJWTNotConfigured
	}
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.leeway),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, errors.New("token key id required")
		}
		pub, ok := s.verifiers[kid]
		if !ok {
			return nil, errors.New("unknown token key")
		}
		return pub, nil
	}, parserOptions...)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return claims, err
	}
	if strings.TrimSpace(claims.ID) == "" {
		return claims, errors.New("token jti missing")
	}
	if !claims.Anonymous {
		return claims, errors.New("token is not an identity token")
	}
	return claims, nil
}

// loadRSAPrivateKeyFromPEMFile accepts PKCS#1 or PKCS#8 encodings.
func loadRSAPrivateKeyFromPEMFile(path string) (*rsa.PrivateKey, error) {
	der, err := readPEMFile(path)
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: private key is %T, not rsa", path, parsed)
	}
	return key, nil
}

// loadRSAPublicKeyFromPEMFile accepts a PKIX public key or a certificate.
func loadRSAPublicKeyFromPEMFile(path string) (*rsa.PublicKey, error) {
	der, err := readPEMFile(path)
	if err != nil {
		return nil, err
	}
	var parsed any
	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		parsed = pub
	} else if cert, err := x509.ParseCertificate(der); err == nil {
		parsed = cert.PublicKey
	} else {
		return nil, fmt.Errorf("%s: not a public key or certificate", path)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s: public key is %T, not rsa", path, parsed)
	}
	return pub, nil
}

func readPEMFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no pem block", path)
	}
	return block.Bytes, nil
}

// tokenID returns a random hex id, falling back to the clock if the system
// source fails.
func tokenID(nBytes int) string {
	if id, err := randomHex(nBytes); err == nil {
		return id
	}
	return strconv.FormatInt(time.Now().UnixNano(), 16)
}

func normalizeJWTOptions(opts JWTOptions) JWTOptions {
	opts.Issuer = strings.TrimSpace(opts.Issuer)
	opts.Audience = strings.TrimSpace(opts.Audience)
	if opts.Issuer == "" {
		opts.Issuer = defaultJWTIssuer
	}
	if opts.Audience == "" {
		opts.Audience = defaultJWTAudience
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultJWTLeeway
	}
	return opts
}
