// Package objectstore adapts the external binary object store.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Operation is the object-store operation a signed URL grants.
type Operation string

const (
	OpGet Operation = "get"
	OpPut Operation = "put"
)

// ParseOperation converts a raw string into an Operation.
func ParseOperation(raw string) (Operation, error) {
	switch Operation(strings.ToLower(strings.TrimSpace(raw))) {
	case OpGet:
		return OpGet, nil
	case OpPut:
		return OpPut, nil
	}
	return "", fmt.Errorf("objectstore: unknown operation %q", raw)
}

// Method returns the HTTP method the client uses against the signed URL.
func (o Operation) Method() string {
	if o == OpPut {
		return http.MethodPut
	}
	return http.MethodGet
}

// ErrSourceRead marks errors raised by the reader handed to PutStream rather
// than by the store itself.
var ErrSourceRead = errors.New("objectstore: source read failed")

// Writer streams objects into the store.
type Writer interface {
	PutStream(ctx context.Context, key, contentType string, r io.Reader) (etag string, err error)
}

// Reader opens objects for streaming reads.
type Reader interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// URLSigner mints a URL bound to key, operation and expiry.
type URLSigner interface {
	SignURL(ctx context.Context, key string, op Operation, expiresAt time.Time) (string, error)
}

// Store is the full object-store contract.
type Store interface {
	Writer
	Reader
	URLSigner
}
