package authz

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/odyssey-erp/assetgate/internal/shared"
)

// ownerRoots lists every known storage root.
var ownerRoots = map[string]struct{}{
	"publishers": {},
	"schools":    {},
	"teachers":   {},
	"students":   {},
}

// StoragePath is a validated path decomposed into owner and remainder.
type StoragePath struct {
	OwnerType string
	OwnerID   string
	Rest      []string
}

// ParsePath normalizes raw and validates it as a storage path.
// Empty and "." segments collapse; ".." is rejected outright.
func ParsePath(raw string) (StoragePath, error) {
	segments, err := cleanSegments(raw)
	if err != nil {
		return StoragePath{}, err
	}
	if len(segments) < 2 {
		return StoragePath{}, invalidPath(raw, "missing owner segments")
	}
	if _, ok := ownerRoots[segments[0]]; !ok {
		return StoragePath{}, invalidPath(raw, "unknown owner root")
	}
	return StoragePath{OwnerType: segments[0], OwnerID: segments[1], Rest: segments[2:]}, nil
}

// CleanRelative validates a path relative to some prefix, such as an archive
// entry name, and returns its segments. Absolute and drive-letter paths are rejected.
func CleanRelative(raw string) ([]string, error) {
	if strings.HasPrefix(raw, "/") {
		return nil, invalidPath(raw, "absolute path")
	}
	if len(raw) >= 2 && raw[1] == ':' && isASCIILetter(raw[0]) {
		return nil, invalidPath(raw, "drive letter")
	}
	segments, err := cleanSegments(raw)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, invalidPath(raw, "empty path")
	}
	return segments, nil
}

// Join appends already-cleaned relative segments to p.
func (p StoragePath) Join(segments ...string) StoragePath {
	rest := make([]string, 0, len(p.Rest)+len(segments))
	rest = append(rest, p.Rest...)
	rest = append(rest, segments...)
	return StoragePath{OwnerType: p.OwnerType, OwnerID: p.OwnerID, Rest: rest}
}

// String renders the canonical form, always with a leading slash and no trailing slash.
func (p StoragePath) String() string {
	var b strings.Builder
	b.WriteString("/")
	b.WriteString(p.OwnerType)
	b.WriteString("/")
	b.WriteString(p.OwnerID)
	for _, seg := range p.Rest {
		b.WriteString("/")
		b.WriteString(seg)
	}
	return b.String()
}

// Key returns the object-store key for p, which is the canonical form without the leading slash.
func (p StoragePath) Key() string {
	return strings.TrimPrefix(p.String(), "/")
}

// IsObject reports whether p names something below the owner root.
func (p StoragePath) IsObject() bool {
	return len(p.Rest) > 0
}

// Name returns the final segment.
func (p StoragePath) Name() string {
	if len(p.Rest) == 0 {
		return p.OwnerID
	}
	return p.Rest[len(p.Rest)-1]
}

// Covers reports whether prefix equals p or is a segment-aligned ancestor of it.
func Covers(prefix, path string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return false
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func cleanSegments(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, invalidPath(raw, "empty path")
	}
	normalized := norm.NFC.String(raw)
	for _, r := range normalized {
		if r == '\\' || unicode.IsControl(r) {
			return nil, invalidPath(raw, "forbidden character")
		}
	}
	parts := strings.Split(normalized, "/")
	segments := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			return nil, invalidPath(raw, "parent traversal")
		}
		segments = append(segments, part)
	}
	return segments, nil
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func invalidPath(raw, why string) error {
	return shared.NewReasonError(shared.ErrInvalidPath, shared.ReasonInvalidPath, fmt.Errorf("%q: %s", raw, why))
}
