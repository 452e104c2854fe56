// Package attachments moves record attachments between the record store and
// a flat staging directory. Files are named {recordType}_{recordId}.{ext}.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
)

const (
	TagPDF = "pdf"
	TagJPG = "jpg"
)

// NormalizeTag maps the spellings found in stored records onto pdf or jpg.
// Anything else returns "".
func NormalizeTag(tag string) string {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "pdf", ".pdf", "application/pdf":
		return TagPDF
	case "jpg", ".jpg", "jpeg", ".jpeg", "image/jpeg", "image/jpg":
		return TagJPG
	}
	return ""
}

// ExtensionFor picks the file extension for a blob: the stored tag if it
// is usable, otherwise a guess from the content.
func ExtensionFor(tag string, blob []byte) string {
	if t := NormalizeTag(tag); t != "" {
		return t
	}
	if http.DetectContentType(blob) == "application/pdf" {
		return TagPDF
	}
	return TagJPG
}

func FileName(recordType string, id string, ext string) string {
	return fmt.Sprintf("%s_%s.%s", recordType, id, ext)
}

// ParseFileName splits {recordType}_{uuid}.{ext}. The record type may itself
// contain underscores; the id is everything after the last one.
func ParseFileName(name string) (recordType string, id string, tag string, ok bool) {
	ext := filepath.Ext(name)
	if ext == "" {
		return "", "", "", false
	}
	tag = NormalizeTag(ext)
	if tag == "" {
		return "", "", "", false
	}
	stem := strings.TrimSuffix(name, ext)
	i := strings.LastIndex(stem, "_")
	if i <= 0 || i == len(stem)-1 {
		return "", "", "", false
	}
	recordType, id = stem[:i], stem[i+1:]
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", "", "", false
	}
	return recordType, parsed.String(), tag, true
}

// Export writes every non-nil blob of every record type into destDir and
// returns how many files were written. The first failure aborts the export.
func Export(ctx context.Context, source ledgerbox.RecordSource, destDir string) (int, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return 0, ledgerbox.IOError("create attachment dir", err)
	}

	count := 0
	for _, recordType := range source.RecordTypes() {
		for rec, err := range source.Enumerate(ctx, recordType) {
			if err != nil {
				return count, fmt.Errorf("%w: enumerate %s: %w", ledgerbox.ErrStoreAccess, recordType, err)
			}
			if rec.Blob == nil {
				continue
			}
			name := FileName(recordType, rec.ID, ExtensionFor(rec.ContentTypeTag, rec.Blob))
			if err := os.WriteFile(filepath.Join(destDir, name), rec.Blob, 0o644); err != nil {
				return count, ledgerbox.IOError("write attachment "+name, err)
			}
			count++
		}
	}
	return count, nil
}

type ImportResult struct {
	Imported int
	// Skipped counts unparseable names and attachments whose record is gone.
	Skipped int
}

// Import reattaches every file in sourceDir to its record. Files with an
// unrecognised name and files for records that no longer exist are skipped.
func Import(ctx context.Context, sourceDir string, sink ledgerbox.RecordSink) (ImportResult, error) {
	var res ImportResult

	entries, err := os.ReadDir(sourceDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, nil
		}
		return res, ledgerbox.IOError("read attachment dir", err)
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		recordType, id, tag, ok := ParseFileName(entry.Name())
		if !ok {
			res.Skipped++
			continue
		}

		data, err := os.ReadFile(filepath.Join(sourceDir, entry.Name()))
		if err != nil {
			return res, ledgerbox.IOError("read attachment "+entry.Name(), err)
		}

		err = sink.WriteBlob(ctx, recordType, id, data, tag)
		switch {
		case errors.Is(err, ledgerbox.ErrRecordNotFound):
			res.Skipped++
		case err != nil:
			return res, fmt.Errorf("%w: attach %s: %w", ledgerbox.ErrStoreAccess, entry.Name(), err)
		default:
			res.Imported++
		}
	}
	return res, nil
}
