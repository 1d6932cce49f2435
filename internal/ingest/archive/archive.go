// Package archive walks zip and tar streams one entry at a time without
// buffering whole entries or seeking.
package archive

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	// ErrUnsupportedFormat is returned by Open when the stream is not a known archive.
	ErrUnsupportedFormat = errors.New("archive: unsupported format")
	// ErrCorrupt marks structural damage that stops the walk.
	ErrCorrupt = errors.New("archive: corrupt")
	// ErrChecksum marks an entry whose content failed its integrity check.
	ErrChecksum = errors.New("archive: checksum mismatch")
)

// Format identifies the container and its outer compression.
type Format string

const (
	FormatZip     Format = "zip"
	FormatTar     Format = "tar"
	FormatTarGzip Format = "tar.gz"
	FormatTarZstd Format = "tar.zst"
)

// Kind classifies an entry.
type Kind int

const (
	KindFile Kind = iota
	KindSymlink
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindSymlink:
		return "symlink"
	}
	return "other"
}

// Entry is one archive member. Content is only valid until the next call to Next.
type Entry struct {
	Name string
	// Size is the declared uncompressed size, or -1 when the archive does not say.
	Size    int64
	Kind    Kind
	Content io.Reader
}

// Reader is a pull iterator over archive entries. Next returns io.EOF once
// the archive is exhausted. Directories are not returned.
type Reader interface {
	Next() (*Entry, error)
	Format() Format
	Close() error
}

const (
	sniffLen    = 512
	tarMagicOff = 257
)

var (
	magicZip      = []byte("PK\x03\x04")
	magicZipEmpty = []byte("PK\x05\x06")
	magicGzip     = []byte{0x1f, 0x8b}
	magicZstd     = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicUstar    = []byte("ustar")
)

// Open detects the archive format from the leading bytes of r.
func Open(r io.Reader) (Reader, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	head, err := peek(br)
	if err != nil {
		return nil, err
	}
	switch {
	case bytes.HasPrefix(head, magicZip), bytes.HasPrefix(head, magicZipEmpty):
		return newZipReader(br), nil
	case isTar(head):
		return newTarReader(br, FormatTar, nil), nil
	case bytes.HasPrefix(head, magicGzip):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip header: %v", ErrCorrupt, err)
		}
		inner := bufio.NewReaderSize(zr, 64*1024)
		if err := expectTar(inner); err != nil {
			zr.Close()
			return nil, err
		}
		return newTarReader(inner, FormatTarGzip, zr.Close), nil
	case bytes.HasPrefix(head, magicZstd):
		dec, err := zstd.NewReader(br, zstd.WithDecoderLowmem(true), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd header: %v", ErrCorrupt, err)
		}
		inner := bufio.NewReaderSize(dec, 64*1024)
		if err := expectTar(inner); err != nil {
			dec.Close()
			return nil, err
		}
		return newTarReader(inner, FormatTarZstd, func() error { dec.Close(); return nil }), nil
	}
	return nil, ErrUnsupportedFormat
}

func peek(br *bufio.Reader) ([]byte, error) {
	head, err := br.Peek(sniffLen)
	if len(head) == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("archive: read header: %w", err)
		}
		return nil, ErrUnsupportedFormat
	}
	return head, nil
}

func expectTar(br *bufio.Reader) error {
	head, err := br.Peek(sniffLen)
	if len(head) == 0 && err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if !isTar(head) {
		return ErrUnsupportedFormat
	}
	return nil
}

func isTar(head []byte) bool {
	return len(head) >= tarMagicOff+len(magicUstar) &&
		bytes.Equal(head[tarMagicOff:tarMagicOff+len(magicUstar)], magicUstar)
}
