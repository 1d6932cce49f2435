package signer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/crypto/hkdf"

	"github.com/odyssey-erp/assetgate/internal/objectstore"
)

const (
	queryOperation = "X-Assetgate-Op"
	queryExpires   = "X-Assetgate-Expires"
	querySignature = "X-Assetgate-Signature"
	keyInfo        = "assetgate signed url v1"
)

var (
	// ErrSignatureInvalid indicates a URL whose signature does not match.
	ErrSignatureInvalid = errors.New("signer: signature invalid")
	// ErrSignatureExpired indicates a URL past its expiry.
	ErrSignatureExpired = errors.New("signer: url expired")
)

// HMAC signs URLs with a key derived from a shared secret, for object-store
// edges that validate gateway-minted URLs themselves.
type HMAC struct {
	key   []byte
	base  *url.URL
	clock clock.Clock
}

// NewHMAC derives the signing key from secret. baseURL is the object-store
// edge the signed paths are appended to.
func NewHMAC(secret []byte, baseURL string, clk clock.Clock) (*HMAC, error) {
	if len(secret) < 32 {
		return nil, errors.New("signer: secret must be at least 32 bytes")
	}
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("signer: invalid base url %q", baseURL)
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("signer: derive key: %w", err)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &HMAC{key: key, base: base, clock: clk}, nil
}

// SignURL implements objectstore.URLSigner.
func (h *HMAC) SignURL(ctx context.Context, key string, op objectstore.Operation, expiresAt time.Time) (string, error) {
	if key == "" {
		return "", errors.New("signer: empty key")
	}
	path := "/" + strings.TrimPrefix(key, "/")
	// Keys are raw object names; leaving RawPath empty makes String escape them.
	u := *h.base
	u.Path = strings.TrimSuffix(h.base.Path, "/") + path
	u.RawPath = ""
	expires := expiresAt.Unix()
	q := url.Values{}
	q.Set(queryOperation, string(op))
	q.Set(queryExpires, strconv.FormatInt(expires, 10))
	q.Set(querySignature, h.sign(op, path, expires))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Verify checks that rawURL was minted by this signer for op and has not expired.
func (h *HMAC) Verify(rawURL string, op objectstore.Operation) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ErrSignatureInvalid
	}
	q := u.Query()
	if objectstore.Operation(q.Get(queryOperation)) != op {
		return ErrSignatureInvalid
	}
	expires, err := strconv.ParseInt(q.Get(queryExpires), 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	basePath := strings.TrimSuffix(h.base.Path, "/")
	if !strings.HasPrefix(u.Path, basePath+"/") {
		return ErrSignatureInvalid
	}
	path := strings.TrimPrefix(u.Path, basePath)
	want := h.sign(op, path, expires)
	got := q.Get(querySignature)
	if !hmac.Equal([]byte(want), []byte(got)) {
		return ErrSignatureInvalid
	}
	if !h.clock.Now().Before(time.Unix(expires, 0)) {
		return ErrSignatureExpired
	}
	return nil
}

func (h *HMAC) sign(op objectstore.Operation, path string, expires int64) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(string(op)))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(path))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

var _ objectstore.URLSigner = (*HMAC)(nil)
