package ledger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	log := logrus.New()
	log.SetOutput(os.Stderr)
	l, err := Open(filepath.Join(dir, "ledger.db"), filepath.Join(dir, "attachments"), log)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAddAndGetRecord(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	when := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	r, err := l.AddRecord(ctx, Record{Type: Expense, AmountCents: 1250, Currency: "EUR", Category: "food", OccurredAt: when})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)

	got, err := l.GetRecord(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, Expense, got.Type)
	assert.Equal(t, int64(1250), got.AmountCents)
	assert.True(t, when.Equal(got.OccurredAt))
	assert.False(t, got.HasAttachment)

	_, err = l.GetRecord(ctx, "missing")
	assert.ErrorIs(t, err, ledgerbox.ErrRecordNotFound)
}

func TestAddRecordCanonicalisesIDs(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	r, err := l.AddRecord(ctx, Record{Type: Expense, ID: "0B8E4A52-5F5C-4A43-9A4E-1F9D7C1E2A01"})
	require.NoError(t, err)
	assert.Equal(t, "0b8e4a52-5f5c-4a43-9a4e-1f9d7c1e2a01", r.ID)
	_, err = l.GetRecord(ctx, r.ID)
	assert.NoError(t, err)

	_, err = l.AddRecord(ctx, Record{Type: Expense, ID: "receipt-7"})
	assert.Error(t, err)
}

func TestAddRecordRejectsUnknownType(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.AddRecord(context.Background(), Record{Type: "transfer"})
	assert.Error(t, err)
}

func TestWriteBlobAndEnumerate(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	a, err := l.AddRecord(ctx, Record{Type: Expense, AmountCents: 100})
	require.NoError(t, err)
	b, err := l.AddRecord(ctx, Record{Type: Expense, AmountCents: 200})
	require.NoError(t, err)

	require.NoError(t, l.WriteBlob(ctx, "expense", a.ID, []byte("jpeg"), "jpg"))

	blobs := map[string][]byte{}
	for rec, err := range l.Enumerate(ctx, "expense") {
		require.NoError(t, err)
		blobs[rec.ID] = rec.Blob
	}
	require.Len(t, blobs, 2)
	assert.Equal(t, []byte("jpeg"), blobs[a.ID])
	assert.Nil(t, blobs[b.ID])

	data, tag, err := l.Attachment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))
	assert.Equal(t, "jpg", tag)
}

func TestWriteBlobReplacesPreviousFile(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	r, err := l.AddRecord(ctx, Record{Type: Income, AmountCents: 5})
	require.NoError(t, err)

	require.NoError(t, l.WriteBlob(ctx, "income", r.ID, []byte("jpeg"), "jpg"))
	require.NoError(t, l.WriteBlob(ctx, "income", r.ID, []byte("%PDF"), "pdf"))

	assert.NoFileExists(t, filepath.Join(l.attachmentDir, r.ID+".jpg"))
	assert.FileExists(t, filepath.Join(l.attachmentDir, r.ID+".pdf"))
}

func TestWriteBlobUnknownRecord(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	r, err := l.AddRecord(ctx, Record{Type: Income})
	require.NoError(t, err)

	err = l.WriteBlob(ctx, "income", "0b8e4a52-5f5c-4a43-9a4e-1f9d7c1e2a01", []byte("x"), "jpg")
	assert.ErrorIs(t, err, ledgerbox.ErrRecordNotFound)

	err = l.WriteBlob(ctx, "expense", r.ID, []byte("x"), "jpg")
	assert.ErrorIs(t, err, ledgerbox.ErrRecordNotFound, "type must match")
}

func TestDeleteRecordRemovesAttachment(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	r, err := l.AddRecord(ctx, Record{Type: Expense})
	require.NoError(t, err)
	require.NoError(t, l.WriteBlob(ctx, "expense", r.ID, []byte("x"), "jpg"))

	require.NoError(t, l.DeleteRecord(ctx, r.ID))
	assert.NoFileExists(t, filepath.Join(l.attachmentDir, r.ID+".jpg"))
	assert.ErrorIs(t, l.DeleteRecord(ctx, r.ID), ledgerbox.ErrRecordNotFound)
}

func TestFlushAndPauseRefusesAccessUntilResume(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	r, err := l.AddRecord(ctx, Record{Type: Expense, AmountCents: 1})
	require.NoError(t, err)

	require.NoError(t, l.FlushAndPause(ctx))
	assert.True(t, l.Paused())

	// everything is in the main file once paused
	info, err := os.Stat(l.PrimaryFilePath())
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	_, err = l.ListRecords(ctx, Expense)
	assert.ErrorIs(t, err, ErrPaused)
	_, err = l.AddRecord(ctx, Record{Type: Income})
	assert.ErrorIs(t, err, ErrPaused)
	assert.ErrorIs(t, l.WriteBlob(ctx, "expense", r.ID, []byte("x"), "jpg"), ErrPaused)

	err = l.FlushAndPause(ctx)
	assert.ErrorIs(t, err, ledgerbox.ErrStorePaused, "a second pause must not wait")

	require.NoError(t, l.Resume(ctx))
	records, err := l.ListRecords(ctx, Expense)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestResumeFailureKeepsLedgerPaused(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.FlushAndPause(ctx))
	require.NoError(t, os.WriteFile(l.PrimaryFilePath(), []byte(strings.Repeat("garbage ", 1024)), 0o644))

	assert.Error(t, l.Resume(ctx))
	assert.True(t, l.Paused())
	_, err := l.GetRecord(ctx, "0b8e4a52-5f5c-4a43-9a4e-1f9d7c1e2a01")
	assert.ErrorIs(t, err, ErrPaused)
	assert.NoError(t, l.Close())
}

func TestResumeWithoutPauseIsNoop(t *testing.T) {
	l := openTestLedger(t)
	assert.NoError(t, l.Resume(context.Background()))
	assert.False(t, l.Paused())
}

func TestResumePicksUpReplacedFile(t *testing.T) {
	ctx := context.Background()
	src := openTestLedger(t)
	r, err := src.AddRecord(ctx, Record{Type: Income, AmountCents: 42})
	require.NoError(t, err)
	require.NoError(t, src.FlushAndPause(ctx))
	snapshot, err := os.ReadFile(src.PrimaryFilePath())
	require.NoError(t, err)
	require.NoError(t, src.Resume(ctx))

	dst := openTestLedger(t)
	require.NoError(t, dst.FlushAndPause(ctx))
	require.NoError(t, os.WriteFile(dst.PrimaryFilePath(), snapshot, 0o644))
	require.NoError(t, dst.Resume(ctx))

	got, err := dst.GetRecord(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.AmountCents)
}

func TestValidateSnapshot(t *testing.T) {
	ctx := context.Background()
	src := openTestLedger(t)
	_, err := src.AddRecord(ctx, Record{Type: Income, AmountCents: 42})
	require.NoError(t, err)
	require.NoError(t, src.FlushAndPause(ctx))
	data, err := os.ReadFile(src.PrimaryFilePath())
	require.NoError(t, err)
	require.NoError(t, src.Resume(ctx))

	dir := t.TempDir()
	good := filepath.Join(dir, "good", "ledger.db")
	require.NoError(t, os.MkdirAll(filepath.Dir(good), 0o755))
	require.NoError(t, os.WriteFile(good, data, 0o644))
	assert.NoError(t, src.ValidateSnapshot(ctx, good))

	entries, err := os.ReadDir(filepath.Dir(good))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "the check must not leave files next to the snapshot")

	bad := filepath.Join(dir, "bad.db")
	require.NoError(t, os.WriteFile(bad, []byte(strings.Repeat("garbage ", 1024)), 0o644))
	assert.Error(t, src.ValidateSnapshot(ctx, bad))
}

func TestStoreHandleShape(t *testing.T) {
	l := openTestLedger(t)
	assert.Equal(t, []string{"-wal", "-shm"}, l.CompanionSuffixes())
	assert.Equal(t, []string{"expense", "income"}, l.RecordTypes())

	var _ ledgerbox.StoreHandle = l
	var _ ledgerbox.RecordSource = l
	var _ ledgerbox.RecordSink = l
	var _ ledgerbox.SnapshotValidator = l
}
