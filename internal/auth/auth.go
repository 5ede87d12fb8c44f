// Package auth verifies the shared repository secret. Clients send the
// plaintext secret in HeaderSecret over TLS; the server keeps only its bcrypt
// hash.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"

	"github.com/FraMan97/modsync/internal/models"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

const HeaderSecret = "X-Modsync-Secret"

var (
	ErrMissingSecret = errors.New("missing secret")
	ErrInvalidSecret = errors.New("invalid secret")
)

// HashSecret returns the bcrypt hash to store in the server configuration.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", ErrMissingSecret
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hash secret")
	}
	return string(h), nil
}

type Verifier struct {
	hash     []byte
	verified *lru.Cache
}

// NewVerifier returns nil when hash is empty, which disables authentication.
func NewVerifier(hash string) (*Verifier, error) {
	if hash == "" {
		return nil, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, errors.Wrap(err, "auth secret hash")
	}
	cache, err := lru.New(64)
	if err != nil {
		return nil, err
	}
	return &Verifier{hash: []byte(hash), verified: cache}, nil
}

// Verify checks secret against the stored hash. Secrets that already passed
// are remembered by their SHA-256 so bcrypt runs once per distinct secret.
func (v *Verifier) Verify(secret string) error {
	if secret == "" {
		return ErrMissingSecret
	}
	sum := sha256.Sum256([]byte(secret))
	key := hex.EncodeToString(sum[:])
	if v.verified.Contains(key) {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(secret)); err != nil {
		return ErrInvalidSecret
	}
	v.verified.Add(key, struct{}{})
	return nil
}

// Middleware rejects requests without a valid secret. A nil Verifier passes
// every request through.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	if v == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := v.Verify(r.Header.Get(HeaderSecret)); err != nil {
			log.Printf("[Auth] - Rejected %s %s from %s: %v\n", r.Method, r.URL.Path, r.RemoteAddr, err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(models.ErrorResponse{Error: err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}
