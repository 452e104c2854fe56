package attachments

import (
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
)

const (
	idA = "0b8e4a52-5f5c-4a43-9a4e-1f9d7c1e2a01"
	idB = "3c1f2d44-8a71-4f0e-b1d2-6c0e9a7b5b02"
	idC = "9a6d0e13-2b4f-4c87-8e55-d4f1a3c6e703"
)

type memRecords struct {
	types   []string
	records map[string][]ledgerbox.AttachmentRecord
	failOn  string
	written map[string]ledgerbox.AttachmentRecord
}

func (m *memRecords) RecordTypes() []string { return m.types }

func (m *memRecords) Enumerate(ctx context.Context, recordType string) iter.Seq2[ledgerbox.AttachmentRecord, error] {
	return func(yield func(ledgerbox.AttachmentRecord, error) bool) {
		for _, r := range m.records[recordType] {
			if r.ID == m.failOn {
				yield(ledgerbox.AttachmentRecord{}, errors.New("row decode failed"))
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (m *memRecords) WriteBlob(ctx context.Context, recordType string, id string, data []byte, tag string) error {
	found := false
	for _, r := range m.records[recordType] {
		if r.ID == id {
			found = true
		}
	}
	if !found {
		return ledgerbox.ErrRecordNotFound
	}
	if m.written == nil {
		m.written = map[string]ledgerbox.AttachmentRecord{}
	}
	m.written[recordType+"/"+id] = ledgerbox.AttachmentRecord{ID: id, Blob: data, ContentTypeTag: tag}
	return nil
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestParseFileName(t *testing.T) {
	tests := []struct {
		name       string
		recordType string
		id         string
		tag        string
		ok         bool
	}{
		{"expense_" + idA + ".jpg", "expense", idA, TagJPG, true},
		{"income_" + idB + ".pdf", "income", idB, TagPDF, true},
		{"recurring_expense_" + idC + ".jpeg", "recurring_expense", idC, TagJPG, true},
		{"expense_" + idA + ".png", "", "", "", false},
		{"expense_not-a-uuid.jpg", "", "", "", false},
		{"_" + idA + ".jpg", "", "", "", false},
		{"expense_.jpg", "", "", "", false},
		{"expense" + idA, "", "", "", false},
		{".DS_Store", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recordType, id, tag, ok := ParseFileName(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.recordType, recordType)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.tag, tag)
		})
	}
}

func TestExtensionFor(t *testing.T) {
	pdf := []byte("%PDF-1.7\n%...")
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 0, 0x10, 'J', 'F', 'I', 'F'}

	assert.Equal(t, TagPDF, ExtensionFor("pdf", jpeg), "stored tag wins over content")
	assert.Equal(t, TagJPG, ExtensionFor("image/jpeg", pdf))
	assert.Equal(t, TagPDF, ExtensionFor("", pdf))
	assert.Equal(t, TagJPG, ExtensionFor("", jpeg))
	assert.Equal(t, TagJPG, ExtensionFor("tiff", []byte("unknown")))
}

func TestExportWritesOnlyRecordsWithBlobs(t *testing.T) {
	src := &memRecords{
		types: []string{"expense", "income"},
		records: map[string][]ledgerbox.AttachmentRecord{
			"expense": {
				{ID: idA, Blob: []byte{0xff, 0xd8, 0xff}, ContentTypeTag: "jpg"},
				{ID: idB},
			},
			"income": {
				{ID: idC, Blob: []byte("%PDF-1.4 receipt")},
			},
		},
	}
	dest := filepath.Join(t.TempDir(), "attachments")

	n, err := Export(context.Background(), src, dest)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"expense_" + idA + ".jpg", "income_" + idC + ".pdf"}, dirNames(t, dest))
}

func TestExportFailsFast(t *testing.T) {
	src := &memRecords{
		types: []string{"expense"},
		records: map[string][]ledgerbox.AttachmentRecord{
			"expense": {
				{ID: idA, Blob: []byte("a")},
				{ID: idB, Blob: []byte("b")},
				{ID: idC, Blob: []byte("c")},
			},
		},
		failOn: idB,
	}
	n, err := Export(context.Background(), src, t.TempDir())
	assert.ErrorIs(t, err, ledgerbox.ErrStoreAccess)
	assert.Equal(t, 1, n)
}

func TestImportSkipsUnknownNamesAndMissingRecords(t *testing.T) {
	dir := t.TempDir()
	write := func(name, data string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(data), 0o644))
	}
	write("expense_"+idA+".jpg", "jpeg-bytes")
	write("income_"+idC+".pdf", "pdf-bytes")
	write("income_"+idB+".pdf", "orphan")
	write("notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))

	sink := &memRecords{
		records: map[string][]ledgerbox.AttachmentRecord{
			"expense": {{ID: idA}},
			"income":  {{ID: idC}},
		},
	}

	res, err := Import(context.Background(), dir, sink)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 2, res.Skipped)

	assert.Equal(t, "jpeg-bytes", string(sink.written["expense/"+idA].Blob))
	assert.Equal(t, TagJPG, sink.written["expense/"+idA].ContentTypeTag)
	assert.Equal(t, "pdf-bytes", string(sink.written["income/"+idC].Blob))
	assert.Equal(t, TagPDF, sink.written["income/"+idC].ContentTypeTag)
}

func TestImportMissingDirIsEmpty(t *testing.T) {
	res, err := Import(context.Background(), filepath.Join(t.TempDir(), "none"), &memRecords{})
	require.NoError(t, err)
	assert.Equal(t, ImportResult{}, res)
}
