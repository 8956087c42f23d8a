package ipc

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/hkdf"

	"github.com/haukened/selfblock/internal/block/common/clock"
	"github.com/haukened/selfblock/internal/block/domain"
	"github.com/haukened/selfblock/internal/block/infra/fsutil"
)

const (
	masterKeySize = 32
	replayEntries = 4096
	// DefaultTokenTTL is how long a proof stays valid after minting.
	DefaultTokenTTL = 30 * time.Second
)

// LoadOrCreateKey returns the master key at path, generating one on first use.
// The file must not be readable by group or others.
func LoadOrCreateKey(path string) ([]byte, error) {
	key, err := LoadKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	key = make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := fsutil.AtomicWrite(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	return key, nil
}

// LoadKey reads an existing master key.
func LoadKey(path string) ([]byte, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("master key %s has mode %v, want 0600", path, fi.Mode().Perm())
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(key) < masterKeySize {
		return nil, fmt.Errorf("master key %s is too short", path)
	}
	return key, nil
}

// commandKey derives the signing key for one command, so a proof minted for
// one command can never verify for another.
func commandKey(master []byte, cmd string) ([]byte, error) {
	out := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, master, nil, []byte("selfblock-ipc/"+cmd))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

type proofClaims struct {
	Cmd string `json:"cmd"`
	jwt.RegisteredClaims
}

// Signer mints authorization proofs.
type Signer struct {
	master []byte
	clock  clock.Clock
	ttl    time.Duration
}

func NewSigner(master []byte, clk clock.Clock, ttl time.Duration) *Signer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Signer{master: master, clock: clk, ttl: ttl}
}

// Sign returns a single-use proof for cmd.
func (s *Signer) Sign(cmd string) (string, error) {
	key, err := commandKey(s.master, cmd)
	if err != nil {
		return "", err
	}
	now := s.clock.Now()
	claims := proofClaims{
		Cmd: cmd,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// Verifier checks proofs and remembers used token ids until they expire.
type Verifier struct {
	master []byte
	clock  clock.Clock
	maxTTL time.Duration

	mu     sync.Mutex
	replay *expirable.LRU[string, struct{}]
}

// NewVerifier accepts proofs whose lifetime is at most maxTTL.
func NewVerifier(master []byte, clk clock.Clock, maxTTL time.Duration) *Verifier {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if maxTTL <= 0 {
		maxTTL = DefaultTokenTTL
	}
	return &Verifier{
		master: master,
		clock:  clk,
		maxTTL: maxTTL,
		replay: expirable.NewLRU[string, struct{}](replayEntries, nil, 2*maxTTL),
	}
}

// Verify returns nil when token is a fresh, unexpired proof for cmd.
func (v *Verifier) Verify(cmd, token string) error {
	if token == "" {
		return domain.ErrAuthorizationDenied.WithMessage("missing authorization proof")
	}
	key, err := commandKey(v.master, cmd)
	if err != nil {
		return domain.ErrInternal.WithMessagef("derive key: %v", err)
	}
	claims := &proofClaims{}
	_, err = jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return domain.ErrAuthorizationDenied.WithMessagef("invalid proof: %v", err)
	}
	if claims.Cmd != cmd {
		return domain.ErrAuthorizationDenied.WithMessagef("proof is for %q", claims.Cmd)
	}
	if claims.ID == "" || claims.IssuedAt == nil {
		return domain.ErrAuthorizationDenied.WithMessage("proof lacks jti or iat")
	}
	if claims.ExpiresAt.Sub(claims.IssuedAt.Time) > v.maxTTL {
		return domain.ErrAuthorizationDenied.WithMessage("proof lifetime too long")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.replay.Contains(claims.ID) {
		return domain.ErrAuthorizationDenied.WithMessage("proof already used")
	}
	v.replay.Add(claims.ID, struct{}{})
	return nil
}
