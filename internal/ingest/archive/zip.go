package archive

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"unicode/utf8"

	"github.com/klauspost/compress/flate"
	"golang.org/x/text/encoding/charmap"
)

const (
	sigLocalHeader   = 0x04034b50
	sigCentralHeader = 0x02014b50
	sigEndOfCentral  = 0x06054b50
	sigZip64End      = 0x06064b50
	sigDescriptor    = 0x08074b50

	flagEncrypted  = 1 << 0
	flagDescriptor = 1 << 3
	flagUTF8       = 1 << 11

	methodStore   = 0
	methodDeflate = 8

	extraZip64 = 0x0001
	max32      = 0xffffffff
)

// zipReader parses local file headers in stream order. The central directory
// is never consulted, so entries are yielded as they arrive.
type zipReader struct {
	br      *countingReader
	current *zipEntry
	done    bool
}

func newZipReader(br *bufio.Reader) *zipReader {
	return &zipReader{br: &countingReader{r: br}}
}

func (z *zipReader) Format() Format { return FormatZip }

func (z *zipReader) Close() error { return nil }

func (z *zipReader) Next() (*Entry, error) {
	if z.done {
		return nil, io.EOF
	}
	for {
		if err := z.finishCurrent(); err != nil {
			return nil, err
		}
		var sigBuf [4]byte
		if _, err := io.ReadFull(z.br, sigBuf[:]); err != nil {
			return nil, fmt.Errorf("%w: read signature: %v", ErrCorrupt, err)
		}
		switch binary.LittleEndian.Uint32(sigBuf[:]) {
		case sigLocalHeader:
		case sigCentralHeader, sigEndOfCentral, sigZip64End:
			z.done = true
			return nil, io.EOF
		default:
			return nil, fmt.Errorf("%w: unexpected signature %x", ErrCorrupt, sigBuf)
		}
		entry, err := z.readLocalHeader()
		if err != nil {
			return nil, err
		}
		z.current = entry
		if entry.dir {
			continue
		}
		return &Entry{Name: entry.name, Size: entry.declaredSize(), Kind: entry.kind, Content: entry}, nil
	}
}

// finishCurrent drains whatever the caller left unread of the previous entry
// so the stream is positioned on the next header.
func (z *zipReader) finishCurrent() error {
	if z.current == nil {
		return nil
	}
	cur := z.current
	z.current = nil
	if _, err := io.Copy(io.Discard, cur); err != nil && !errors.Is(err, ErrChecksum) {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, cur.name, err)
	}
	return nil
}

type zipEntry struct {
	name   string
	dir    bool
	kind   Kind
	flags  uint16
	method uint16
	zip64  bool

	crc        uint32
	compSize   uint64
	uncompSize uint64

	src      io.Reader
	hash     hash.Hash32
	read     uint64
	startOff int64
	br       *countingReader
	err      error
}

func (z *zipReader) readLocalHeader() (*zipEntry, error) {
	var hdr [26]byte
	if _, err := io.ReadFull(z.br, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: local header: %v", ErrCorrupt, err)
	}
	le := binary.LittleEndian
	e := &zipEntry{
		flags:      le.Uint16(hdr[2:4]),
		method:     le.Uint16(hdr[4:6]),
		crc:        le.Uint32(hdr[10:14]),
		compSize:   uint64(le.Uint32(hdr[14:18])),
		uncompSize: uint64(le.Uint32(hdr[18:22])),
		br:         z.br,
		hash:       crc32.NewIEEE(),
	}
	nameLen := int(le.Uint16(hdr[22:24]))
	extraLen := int(le.Uint16(hdr[24:26]))
	buf := make([]byte, nameLen+extraLen)
	if _, err := io.ReadFull(z.br, buf); err != nil {
		return nil, fmt.Errorf("%w: local header name: %v", ErrCorrupt, err)
	}
	e.name = decodeName(buf[:nameLen], e.flags&flagUTF8 != 0)
	e.dir = len(e.name) > 0 && e.name[len(e.name)-1] == '/'
	e.parseExtra(buf[nameLen:])

	hasDescriptor := e.flags&flagDescriptor != 0
	supported := e.flags&flagEncrypted == 0 && (e.method == methodStore || e.method == methodDeflate)
	switch {
	case supported:
		e.kind = KindFile
	case hasDescriptor:
		// Without a size or a decompressor the entry's end cannot be found.
		return nil, fmt.Errorf("%w: %s: undelimited entry (method %d)", ErrCorrupt, e.name, e.method)
	default:
		e.kind = KindOther
	}

	e.startOff = z.br.n
	switch {
	case e.kind == KindOther:
		e.src = io.LimitReader(z.br, int64(e.compSize))
	case e.method == methodDeflate:
		e.src = flate.NewReader(z.br)
	case hasDescriptor:
		return nil, fmt.Errorf("%w: %s: stored entry with data descriptor", ErrCorrupt, e.name)
	default:
		e.src = io.LimitReader(z.br, int64(e.compSize))
	}
	return e, nil
}

func (e *zipEntry) parseExtra(extra []byte) {
	le := binary.LittleEndian
	for len(extra) >= 4 {
		tag := le.Uint16(extra[0:2])
		size := int(le.Uint16(extra[2:4]))
		extra = extra[4:]
		if size > len(extra) {
			return
		}
		field := extra[:size]
		extra = extra[size:]
		if tag != extraZip64 {
			continue
		}
		e.zip64 = true
		if e.uncompSize == max32 && len(field) >= 8 {
			e.uncompSize = le.Uint64(field[:8])
			field = field[8:]
		}
		if e.compSize == max32 && len(field) >= 8 {
			e.compSize = le.Uint64(field[:8])
		}
	}
}

func (e *zipEntry) declaredSize() int64 {
	if e.flags&flagDescriptor != 0 || e.kind != KindFile {
		return -1
	}
	return int64(e.uncompSize)
}

// Read yields decompressed content and verifies size and CRC once the entry ends.
func (e *zipEntry) Read(p []byte) (int, error) {
	if e.err != nil {
		return 0, e.err
	}
	n, err := e.src.Read(p)
	if e.kind == KindFile {
		e.hash.Write(p[:n])
	}
	e.read += uint64(n)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, io.EOF) {
		e.err = err
		return n, err
	}
	if e.kind == KindFile {
		if verr := e.verify(); verr != nil {
			e.err = verr
			return n, verr
		}
	}
	e.err = io.EOF
	return n, io.EOF
}

func (e *zipEntry) verify() error {
	if e.flags&flagDescriptor != 0 {
		if err := e.readDescriptor(); err != nil {
			return err
		}
	} else if e.method == methodDeflate && uint64(e.br.n-e.startOff) != e.compSize {
		return fmt.Errorf("%w: %s: compressed size", ErrChecksum, e.name)
	}
	if e.read != e.uncompSize {
		return fmt.Errorf("%w: %s: size %d, header says %d", ErrChecksum, e.name, e.read, e.uncompSize)
	}
	if e.hash.Sum32() != e.crc {
		return fmt.Errorf("%w: %s: crc32", ErrChecksum, e.name)
	}
	return nil
}

func (e *zipEntry) readDescriptor() error {
	le := binary.LittleEndian
	var word [4]byte
	if _, err := io.ReadFull(e.br, word[:]); err != nil {
		return fmt.Errorf("%w: %s: data descriptor: %v", ErrCorrupt, e.name, err)
	}
	if le.Uint32(word[:]) == sigDescriptor {
		if _, err := io.ReadFull(e.br, word[:]); err != nil {
			return fmt.Errorf("%w: %s: data descriptor: %v", ErrCorrupt, e.name, err)
		}
	}
	e.crc = le.Uint32(word[:])
	sizeLen := 4
	if e.zip64 {
		sizeLen = 8
	}
	sizes := make([]byte, 2*sizeLen)
	if _, err := io.ReadFull(e.br, sizes); err != nil {
		return fmt.Errorf("%w: %s: data descriptor: %v", ErrCorrupt, e.name, err)
	}
	if e.zip64 {
		e.compSize = le.Uint64(sizes[:8])
		e.uncompSize = le.Uint64(sizes[8:])
	} else {
		e.compSize = uint64(le.Uint32(sizes[:4]))
		e.uncompSize = uint64(le.Uint32(sizes[4:]))
	}
	return nil
}

func decodeName(raw []byte, utf8Flag bool) string {
	if utf8Flag || utf8.Valid(raw) {
		return string(raw)
	}
	name, err := charmap.CodePage437.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(name)
}

// countingReader tracks the stream offset and keeps io.ByteReader so the
// inflater stops exactly at the end of each entry.
type countingReader struct {
	r *bufio.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}
