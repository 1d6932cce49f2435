// Package validation checks files against size and content-type policy
// before they reach the object store.
package validation

import (
	"bufio"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/odyssey-erp/assetgate/internal/shared"
)

// SniffLen is the number of leading bytes inspected for content detection.
const SniffLen = 3072

// DefaultAllowed is the content-type allow list used when none is configured.
var DefaultAllowed = []string{
	"application/pdf",
	"application/epub+zip",
	"image/*",
	"video/*",
	"audio/*",
	"text/plain",
	"text/csv",
	"application/json",
	"application/vnd.openxmlformats-officedocument.*",
}

// Policy is the file validation policy.
type Policy struct {
	MaxSize int64
	Allowed []string
}

// Validator applies a Policy.
type Validator struct {
	maxSize int64
	exact   map[string]struct{}
	globs   []string
}

// New builds a Validator. Allowed entries are exact media types, "type/*"
// wildcards, or prefixes ending in "*".
func New(p Policy) (*Validator, error) {
	if p.MaxSize <= 0 {
		return nil, fmt.Errorf("validation: max size must be positive, got %d", p.MaxSize)
	}
	allowed := p.Allowed
	if len(allowed) == 0 {
		allowed = DefaultAllowed
	}
	v := &Validator{maxSize: p.MaxSize, exact: make(map[string]struct{})}
	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if strings.HasSuffix(entry, "*") {
			v.globs = append(v.globs, strings.TrimSuffix(entry, "*"))
			continue
		}
		v.exact[entry] = struct{}{}
	}
	return v, nil
}

// MaxSize returns the per-file byte ceiling.
func (v *Validator) MaxSize() int64 {
	return v.maxSize
}

// Validate checks declaredSize (-1 when unknown) and sniffedType for name.
// Failures are reason-coded ErrValidationFailed errors.
func (v *Validator) Validate(name string, declaredSize int64, sniffedType string) error {
	if declaredSize == 0 {
		return reject(shared.ReasonEmptyFile, "%s: empty", name)
	}
	if declaredSize > v.maxSize {
		return reject(shared.ReasonFileTooLarge, "%s: %d bytes exceeds %d", name, declaredSize, v.maxSize)
	}
	if !v.allowedType(sniffedType) {
		return reject(shared.ReasonInvalidFileType, "%s: type %q not allowed", name, sniffedType)
	}
	return nil
}

func (v *Validator) allowedType(sniffed string) bool {
	if sniffed == "" {
		return false
	}
	for _, candidate := range typeChain(sniffed) {
		if _, ok := v.exact[candidate]; ok {
			return true
		}
		for _, prefix := range v.globs {
			if strings.HasPrefix(candidate, prefix) {
				return true
			}
		}
	}
	return false
}

// typeChain returns the sniffed type followed by its detector ancestors, so
// an allow entry for "application/zip" also admits zip-based formats.
func typeChain(sniffed string) []string {
	base := baseType(sniffed)
	chain := []string{base}
	for m := mimetype.Lookup(base); m != nil; m = m.Parent() {
		parent := m.Parent()
		if parent == nil {
			break
		}
		chain = append(chain, baseType(parent.String()))
	}
	return chain
}

// Sniff peeks at the head of r and returns the detected media type and a
// reader that replays the peeked bytes.
func Sniff(r io.Reader) (string, io.Reader, error) {
	br := bufio.NewReaderSize(r, SniffLen)
	head, err := br.Peek(SniffLen)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return "", br, err
	}
	if len(head) == 0 {
		return "", br, nil
	}
	return baseType(mimetype.Detect(head).String()), br, nil
}

func baseType(raw string) string {
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(raw))
	}
	return mediaType
}

func reject(reason, format string, args ...any) error {
	return shared.NewReasonError(shared.ErrValidationFailed, reason, fmt.Errorf(format, args...))
}
