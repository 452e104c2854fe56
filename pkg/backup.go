package ledgerbox

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"
)

// ManifestEntryName is the reserved name of the first entry in every archive.
const ManifestEntryName = ".manifest.json"

type CompressionMethod string

const (
	CompressionNone      CompressionMethod = "NONE"
	CompressionLZGeneric CompressionMethod = "LZ_GENERIC"
)

// ParseCompressionMethod accepts the manifest spelling as well as the
// short forms used on the command line.
func ParseCompressionMethod(s string) (CompressionMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lz", "lz_generic", "zstd":
		return CompressionLZGeneric, nil
	case "none", "store":
		return CompressionNone, nil
	default:
		return "", fmt.Errorf("unsupported compression method %q", s)
	}
}

func (c CompressionMethod) Valid() bool {
	return c == CompressionNone || c == CompressionLZGeneric
}

// ArchiveManifest is always the first logical entry of an archive. FileCount
// is the number of entries that follow it.
type ArchiveManifest struct {
	FormatVersion     string            `json:"formatVersion"`
	CreatedAt         time.Time         `json:"createdAt"`
	FileCount         uint32            `json:"fileCount"`
	CompressionMethod CompressionMethod `json:"compressionMethod"`
}

// ArchiveFile is one named payload of an archive, uncompressed.
type ArchiveFile struct {
	Name string
	Data []byte
}

// BackupInfo describes a published archive in the backup directory.
type BackupInfo struct {
	ID          string    `json:"id"`
	Date        time.Time `json:"date"`
	AppVersion  string    `json:"appVersion"`
	ArchivePath string    `json:"archivePath"`
	Size        int64     `json:"size"`
}

/* Collaborators consumed by the backup engine. The ledger package
 * provides the reference implementation on top of sqlite.
 */

// StoreHandle is the live relational store. FlushAndPause must leave every
// pending write on disk and refuse all other access until Resume. A store
// that is already paused fails FlushAndPause with ErrStorePaused instead of
// waiting.
type StoreHandle interface {
	FlushAndPause(ctx context.Context) error
	Resume(ctx context.Context) error
	PrimaryFilePath() string
	CompanionSuffixes() []string
}

// SnapshotValidator is implemented by stores that can check a staged
// snapshot before the live files are replaced by it.
type SnapshotValidator interface {
	ValidateSnapshot(ctx context.Context, path string) error
}

// AttachmentRecord is one record that may carry a binary attachment.
type AttachmentRecord struct {
	ID             string
	Blob           []byte // nil when the record has no attachment
	ContentTypeTag string // "pdf", "jpg" or empty
}

type RecordSource interface {
	RecordTypes() []string
	Enumerate(ctx context.Context, recordType string) iter.Seq2[AttachmentRecord, error]
}

// RecordSink rewrites attachments. WriteBlob returns ErrRecordNotFound
// when no record with that id exists.
type RecordSink interface {
	WriteBlob(ctx context.Context, recordType string, id string, data []byte, contentTypeTag string) error
}

// ProgressFunc receives a fraction in [0,1].
type ProgressFunc func(fraction float64)

type RemoteBlobStore interface {
	Upload(ctx context.Context, name string, data []byte, onProgress ProgressFunc) error
	Download(ctx context.Context, name string, onProgress ProgressFunc) ([]byte, error)
}
