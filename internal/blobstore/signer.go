package blobstore

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mediaforge/longform/internal/models"
)

// Signer mints and verifies HMAC-signed download URLs. A signed URL has
// the shape {publicBase}/blob/{path}?exp={unix}&sig={hex}; the signature
// covers the path and the expiry so neither can be swapped.
type Signer struct {
	publicBase string
	secret     []byte
	ttl        time.Duration
	now        func() time.Time
}

// NewSigner creates a Signer. publicBase is the externally reachable
// base URL of this service. An empty secret is replaced with a random
// per-process key: URLs stay unforgeable but stop verifying after a
// restart, so deployments should configure a stable secret.
func NewSigner(publicBase, secret string, ttl time.Duration) *Signer {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic("blobstore: reading random signing key: " + err.Error())
		}
	}
	return &Signer{
		publicBase: strings.TrimRight(publicBase, "/"),
		secret:     key,
		ttl:        ttl,
		now:        time.Now,
	}
}

// URL returns a signed URL for the given blob path, valid for the
// configured TTL from now.
func (s *Signer) URL(path string) string {
	exp := s.now().Add(s.ttl).Unix()
	sig := s.sign(path, exp)

	escaped := make([]string, 0, 4)
	for _, part := range strings.Split(path, "/") {
		escaped = append(escaped, url.PathEscape(part))
	}
	return fmt.Sprintf("%s/blob/%s?exp=%d&sig=%s",
		s.publicBase, strings.Join(escaped, "/"), exp, sig)
}

// Verify checks a signature produced by URL. Expired or forged
// signatures are rejected with an auth error.
func (s *Signer) Verify(path, expStr, sig string) error {
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return models.NewError(models.KindAuth, "malformed signature expiry")
	}
	if s.now().Unix() > exp {
		return models.NewError(models.KindAuth, "signed URL expired")
	}
	if !hmac.Equal([]byte(s.sign(path, exp)), []byte(sig)) {
		return models.NewError(models.KindAuth, "invalid signature")
	}
	return nil
}

func (s *Signer) sign(path string, exp int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%d", path, exp)
	return hex.EncodeToString(mac.Sum(nil))
}
