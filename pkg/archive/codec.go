// Package archive implements the ledgerbox container format.
//
// An archive is a sequence of entries followed by a fixed footer. All
// integers are little-endian:
//
//	entry   := nameLength:u32 | name | payloadLength:u64 | payload
//	archive := entry(".manifest.json") entry* footer
//
// There is no index, entries are read strictly in order. Every payload,
// including the manifest, is compressed on its own.
package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
)

// Footer is the 18 byte sentinel that terminates every archive.
const Footer = "LBXARCHIVE-END-V1\n"

const (
	nameLenSize    = 4
	payloadLenSize = 8
	minHeaderSize  = nameLenSize + 1 + payloadLenSize
	maxNameLength  = 4096
)

// Codec encodes archives with one compression method.
type Codec struct {
	method ledgerbox.CompressionMethod
	c      compressor
}

func NewCodec(method ledgerbox.CompressionMethod) (*Codec, error) {
	c, err := compressorFor(method)
	if err != nil {
		return nil, err
	}
	return &Codec{method: method, c: c}, nil
}

func (t *Codec) Method() ledgerbox.CompressionMethod {
	return t.method
}

// Encode writes the manifest followed by files, in order. FileCount and
// CompressionMethod of the manifest are set from the arguments.
func (t *Codec) Encode(manifest ledgerbox.ArchiveManifest, files []ledgerbox.ArchiveFile) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.EncodeTo(&buf, manifest, files); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t *Codec) EncodeTo(w io.Writer, manifest ledgerbox.ArchiveManifest, files []ledgerbox.ArchiveFile) error {
	if err := validateNames(files); err != nil {
		return err
	}

	manifest.FileCount = uint32(len(files))
	manifest.CompressionMethod = t.method
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := t.writeEntry(w, ledgerbox.ManifestEntryName, manifestBytes); err != nil {
		return err
	}
	for _, f := range files {
		if err := t.writeEntry(w, f.Name, f.Data); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, Footer); err != nil {
		return ledgerbox.IOError("write footer", err)
	}
	return nil
}

func (t *Codec) writeEntry(w io.Writer, name string, raw []byte) error {
	payload, err := t.c.compress(raw)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ledgerbox.ErrCompressionFailed, name, err)
	}

	var header [nameLenSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(name)))
	var size [payloadLenSize]byte
	binary.LittleEndian.PutUint64(size[:], uint64(len(payload)))

	for _, part := range [][]byte{header[:], []byte(name), size[:], payload} {
		if _, err := w.Write(part); err != nil {
			return ledgerbox.IOError("write entry "+name, err)
		}
	}
	return nil
}

func validateNames(files []ledgerbox.ArchiveFile) error {
	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		if err := ValidateEntryName(f.Name); err != nil {
			return err
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("duplicate archive entry %q", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// ValidateEntryName checks that name is a clean relative POSIX path that
// does not collide with the manifest.
func ValidateEntryName(name string) error {
	switch {
	case name == "":
		return errors.New("archive entry name must not be empty")
	case len(name) > maxNameLength:
		return fmt.Errorf("archive entry name too long: %d bytes", len(name))
	case name == ledgerbox.ManifestEntryName:
		return fmt.Errorf("archive entry name %q is reserved", name)
	case strings.HasPrefix(name, "/"), strings.Contains(name, "\\"):
		return fmt.Errorf("archive entry name %q must be a relative POSIX path", name)
	case path.Clean(name) != name, name == "..", strings.HasPrefix(name, "../"):
		return fmt.Errorf("archive entry name %q is not a clean relative path", name)
	}
	return nil
}

// Decode reads a whole archive.
func Decode(data []byte) (ledgerbox.ArchiveManifest, []ledgerbox.ArchiveFile, error) {
	r := &sliceReader{data: data}

	manifest, err := readManifestEntry(r)
	if err != nil {
		return ledgerbox.ArchiveManifest{}, nil, err
	}

	files := make([]ledgerbox.ArchiveFile, 0, manifest.FileCount)
	seen := map[string]struct{}{}
	for {
		if r.remaining() == len(Footer) && bytes.Equal(r.rest(), []byte(Footer)) {
			break
		}
		if r.remaining() == 0 {
			return ledgerbox.ArchiveManifest{}, nil, invalid("missing footer")
		}
		name, payload, err := r.entry()
		if err != nil {
			return ledgerbox.ArchiveManifest{}, nil, err
		}
		if err := ValidateEntryName(name); err != nil {
			return ledgerbox.ArchiveManifest{}, nil, invalid(err.Error())
		}
		if _, dup := seen[name]; dup {
			return ledgerbox.ArchiveManifest{}, nil, invalid("duplicate entry " + name)
		}
		seen[name] = struct{}{}

		raw, err := decompress(manifest.CompressionMethod, payload)
		if err != nil {
			return ledgerbox.ArchiveManifest{}, nil, fmt.Errorf("%s: %w", name, err)
		}
		files = append(files, ledgerbox.ArchiveFile{Name: name, Data: raw})
	}

	if uint32(len(files)) != manifest.FileCount {
		return ledgerbox.ArchiveManifest{}, nil, invalid(fmt.Sprintf("manifest declares %d files, archive holds %d", manifest.FileCount, len(files)))
	}
	return manifest, files, nil
}

// ExtractManifest reads only the first entry of an archive.
func ExtractManifest(data []byte) (ledgerbox.ArchiveManifest, error) {
	return readManifestEntry(&sliceReader{data: data})
}

// ReadManifest is ExtractManifest for a stream; it consumes only the
// manifest entry from r.
func ReadManifest(r io.Reader) (ledgerbox.ArchiveManifest, error) {
	return readManifestEntry(&streamReader{r: r})
}

type entryReader interface {
	entry() (string, []byte, error)
}

func readManifestEntry(r entryReader) (ledgerbox.ArchiveManifest, error) {
	name, payload, err := r.entry()
	if err != nil {
		return ledgerbox.ArchiveManifest{}, err
	}
	if name != ledgerbox.ManifestEntryName {
		return ledgerbox.ArchiveManifest{}, invalid(fmt.Sprintf("first entry is %q, not the manifest", name))
	}

	compressed := bytes.HasPrefix(payload, zstdMagic)
	raw := payload
	if compressed {
		if raw, err = zstdDecompress(payload); err != nil {
			return ledgerbox.ArchiveManifest{}, fmt.Errorf("manifest: %w", err)
		}
	}

	var manifest ledgerbox.ArchiveManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return ledgerbox.ArchiveManifest{}, invalid("manifest is not valid JSON")
	}
	if !manifest.CompressionMethod.Valid() {
		return ledgerbox.ArchiveManifest{}, invalid(fmt.Sprintf("unknown compression method %q", manifest.CompressionMethod))
	}
	if compressed != (manifest.CompressionMethod == ledgerbox.CompressionLZGeneric) {
		return ledgerbox.ArchiveManifest{}, invalid("manifest encoding does not match its compression method")
	}
	if manifest.FormatVersion == "" {
		return ledgerbox.ArchiveManifest{}, invalid("manifest has no format version")
	}
	return manifest, nil
}

func decompress(method ledgerbox.CompressionMethod, payload []byte) ([]byte, error) {
	if method == ledgerbox.CompressionNone {
		return bytes.Clone(payload), nil
	}
	return zstdDecompress(payload)
}

func invalid(detail string) error {
	return fmt.Errorf("%w: %s", ledgerbox.ErrInvalidArchiveFormat, detail)
}

// sliceReader walks an in-memory archive, checking every declared length
// against the end of the buffer before slicing.
type sliceReader struct {
	data []byte
	off  int
}

func (s *sliceReader) remaining() int {
	return len(s.data) - s.off
}

func (s *sliceReader) rest() []byte {
	return s.data[s.off:]
}

func (s *sliceReader) entry() (string, []byte, error) {
	if s.remaining() < minHeaderSize {
		return "", nil, invalid("truncated entry header")
	}
	nameLen := binary.LittleEndian.Uint32(s.data[s.off:])
	s.off += nameLenSize
	if nameLen == 0 {
		return "", nil, invalid("empty entry name")
	}
	if nameLen > maxNameLength || uint64(nameLen)+payloadLenSize > uint64(s.remaining()) {
		return "", nil, invalid("entry name runs past end of archive")
	}
	name := string(s.data[s.off : s.off+int(nameLen)])
	s.off += int(nameLen)

	payloadLen := binary.LittleEndian.Uint64(s.data[s.off:])
	s.off += payloadLenSize
	if payloadLen > uint64(s.remaining()) {
		return "", nil, invalid(fmt.Sprintf("entry %q payload runs past end of archive", name))
	}
	payload := s.data[s.off : s.off+int(payloadLen)]
	s.off += int(payloadLen)
	return name, payload, nil
}

// streamReader reads entries from an io.Reader. The manifest is small, so
// its payload is bounded to keep a corrupt length from allocating wildly.
type streamReader struct {
	r io.Reader
}

const maxStreamPayload = 16 << 20

func (s *streamReader) entry() (string, []byte, error) {
	var header [nameLenSize]byte
	if err := s.readFull(header[:]); err != nil {
		return "", nil, err
	}
	nameLen := binary.LittleEndian.Uint32(header[:])
	if nameLen == 0 {
		return "", nil, invalid("empty entry name")
	}
	if nameLen > maxNameLength {
		return "", nil, invalid("entry name too long")
	}
	name := make([]byte, nameLen)
	if err := s.readFull(name); err != nil {
		return "", nil, err
	}

	var size [payloadLenSize]byte
	if err := s.readFull(size[:]); err != nil {
		return "", nil, err
	}
	payloadLen := binary.LittleEndian.Uint64(size[:])
	if payloadLen > maxStreamPayload {
		return "", nil, invalid(fmt.Sprintf("entry %q too large to stream", name))
	}
	payload := make([]byte, payloadLen)
	if err := s.readFull(payload); err != nil {
		return "", nil, err
	}
	return string(name), payload, nil
}

func (s *streamReader) readFull(b []byte) error {
	if _, err := io.ReadFull(s.r, b); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return invalid("archive truncated")
		}
		return ledgerbox.IOError("read archive", err)
	}
	return nil
}
