package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
)

type tarReader struct {
	tr     *tar.Reader
	format Format
	closer func() error
}

func newTarReader(r io.Reader, format Format, closer func() error) *tarReader {
	return &tarReader{tr: tar.NewReader(r), format: format, closer: closer}
}

func (t *tarReader) Format() Format { return t.format }

func (t *tarReader) Next() (*Entry, error) {
	for {
		hdr, err := t.tr.Next()
		// Unsafe names are judged by the caller, not treated as damage.
		if errors.Is(err, tar.ErrInsecurePath) && hdr != nil {
			err = nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir, tar.TypeXGlobalHeader:
			continue
		case tar.TypeReg:
			return &Entry{Name: hdr.Name, Size: hdr.Size, Kind: KindFile, Content: t.tr}, nil
		case tar.TypeSymlink, tar.TypeLink:
			return &Entry{Name: hdr.Name, Size: 0, Kind: KindSymlink, Content: t.tr}, nil
		default:
			return &Entry{Name: hdr.Name, Size: hdr.Size, Kind: KindOther, Content: t.tr}, nil
		}
	}
}

func (t *tarReader) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer()
}
