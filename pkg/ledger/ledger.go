// Package ledger is the sqlite record store that gets backed up. Records
// are financial entries; receipt attachments live as files in a separate
// directory and are referenced from their row.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
	"github.com/dogeorg/ledgerbox/pkg/utils"
)

type RecordType string

const (
	Expense RecordType = "expense"
	Income  RecordType = "income"
)

var recordTypes = []string{string(Expense), string(Income)}

var ErrPaused = fmt.Errorf("ledger is paused for backup or restore: %w", ledgerbox.ErrStorePaused)

type Record struct {
	ID            string     `json:"id"`
	Type          RecordType `json:"type"`
	AmountCents   int64      `json:"amountCents"`
	Currency      string     `json:"currency"`
	Category      string     `json:"category"`
	Note          string     `json:"note"`
	OccurredAt    time.Time  `json:"occurredAt"`
	HasAttachment bool       `json:"hasAttachment"`
	AttachmentTag string     `json:"attachmentTag,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL CHECK (type IN ('expense', 'income')),
	amount_cents INTEGER NOT NULL,
	currency TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT '',
	occurred_at TEXT NOT NULL,
	attachment TEXT,
	attachment_tag TEXT
);
CREATE INDEX IF NOT EXISTS records_type ON records (type);
`

// Ledger implements StoreHandle, RecordSource and RecordSink.
//
// gate is held for reading by every query and for writing while the ledger
// is paused or resumed. While paused, db is nil and every call fails with
// ErrPaused.
type Ledger struct {
	path          string
	attachmentDir string
	log           logrus.FieldLogger

	gate   sync.RWMutex
	paused atomic.Bool
	db     *sql.DB
}

func Open(path string, attachmentDir string, log logrus.FieldLogger) (*Ledger, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger dir: %w", err)
	}
	if err := os.MkdirAll(attachmentDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create attachment dir: %w", err)
	}
	l := &Ledger{path: path, attachmentDir: attachmentDir, log: log.WithField("component", "ledger")}
	db, err := l.openDB()
	if err != nil {
		return nil, err
	}
	l.db = db
	return l, nil
}

func (l *Ledger) openDB() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", l.path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare ledger schema: %w", err)
	}
	return db, nil
}

func (l *Ledger) Close() error {
	l.gate.Lock()
	defer l.gate.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

// conn returns the open database. Callers hold gate.
func (l *Ledger) conn() (*sql.DB, error) {
	if l.paused.Load() {
		return nil, ErrPaused
	}
	if l.db == nil {
		return nil, errors.New("ledger is closed")
	}
	return l.db, nil
}

/* StoreHandle */

func (l *Ledger) PrimaryFilePath() string {
	return l.path
}

func (l *Ledger) CompanionSuffixes() []string {
	return []string{"-wal", "-shm"}
}

// FlushAndPause checkpoints the WAL into the main file and closes the
// database. Until Resume every other call fails with ErrPaused.
func (l *Ledger) FlushAndPause(ctx context.Context) error {
	l.gate.Lock()
	defer l.gate.Unlock()
	db, err := l.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	l.db = nil
	l.paused.Store(true)
	l.log.Debug("ledger paused")
	return nil
}

// Resume reopens the database from whatever files are now on disk. If the
// reopen fails the ledger stays paused.
func (l *Ledger) Resume(ctx context.Context) error {
	l.gate.Lock()
	defer l.gate.Unlock()
	if !l.paused.Load() {
		return nil
	}
	db, err := l.openDB()
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping reopened ledger: %w", err)
	}
	l.db = db
	l.paused.Store(false)
	l.log.Debug("ledger resumed")
	return nil
}

// ValidateSnapshot checks that path holds an intact ledger database. The
// check runs on a scratch copy so the staged files are left untouched.
func (l *Ledger) ValidateSnapshot(ctx context.Context, path string) error {
	scratch, err := os.MkdirTemp(filepath.Dir(path), ".check-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	check := filepath.Join(scratch, filepath.Base(path))
	if err := utils.CopyFile(path, check); err != nil {
		return err
	}
	for _, suffix := range l.CompanionSuffixes() {
		if _, err := os.Stat(path + suffix); err != nil {
			continue
		}
		if err := utils.CopyFile(path+suffix, check+suffix); err != nil {
			return err
		}
	}

	db, err := sql.Open("sqlite3", check)
	if err != nil {
		return err
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("snapshot is not a ledger database: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("snapshot failed integrity check: %s", result)
	}
	var tables int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'records'`).Scan(&tables); err != nil {
		return fmt.Errorf("read snapshot schema: %w", err)
	}
	if tables != 1 {
		return errors.New("snapshot has no records table")
	}
	return nil
}

func (l *Ledger) Paused() bool {
	return l.paused.Load()
}

/* Records */

func (l *Ledger) AddRecord(ctx context.Context, r Record) (Record, error) {
	if r.Type != Expense && r.Type != Income {
		return Record{}, fmt.Errorf("unknown record type %q", r.Type)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	} else {
		// attachment file names carry the id, so it must survive uuid.Parse unchanged
		id, err := uuid.Parse(r.ID)
		if err != nil {
			return Record{}, fmt.Errorf("invalid record id %q: %w", r.ID, err)
		}
		r.ID = id.String()
	}
	if r.OccurredAt.IsZero() {
		r.OccurredAt = time.Now().UTC()
	}
	r.HasAttachment = false
	r.AttachmentTag = ""

	l.gate.RLock()
	defer l.gate.RUnlock()
	db, err := l.conn()
	if err != nil {
		return Record{}, err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO records (id, type, amount_cents, currency, category, note, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Type), r.AmountCents, r.Currency, r.Category, r.Note, r.OccurredAt.Format(time.RFC3339Nano))
	if err != nil {
		return Record{}, fmt.Errorf("insert record: %w", err)
	}
	return r, nil
}

func (l *Ledger) GetRecord(ctx context.Context, id string) (Record, error) {
	l.gate.RLock()
	defer l.gate.RUnlock()
	db, err := l.conn()
	if err != nil {
		return Record{}, err
	}
	row := db.QueryRowContext(ctx, `SELECT id, type, amount_cents, currency, category, note, occurred_at, attachment, attachment_tag FROM records WHERE id = ?`, id)
	r, _, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ledgerbox.ErrRecordNotFound, id)
	}
	return r, err
}

func (l *Ledger) ListRecords(ctx context.Context, t RecordType) ([]Record, error) {
	l.gate.RLock()
	defer l.gate.RUnlock()
	db, err := l.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT id, type, amount_cents, currency, category, note, occurred_at, attachment, attachment_tag FROM records WHERE type = ? ORDER BY occurred_at, id`, string(t))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		r, _, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *Ledger) DeleteRecord(ctx context.Context, id string) error {
	l.gate.RLock()
	defer l.gate.RUnlock()
	db, err := l.conn()
	if err != nil {
		return err
	}

	var attachment sql.NullString
	err = db.QueryRowContext(ctx, `SELECT attachment FROM records WHERE id = ?`, id).Scan(&attachment)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ledgerbox.ErrRecordNotFound, id)
	}
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return err
	}
	if attachment.Valid {
		if err := utils.RemoveIfExists(filepath.Join(l.attachmentDir, attachment.String)); err != nil {
			l.log.WithError(err).Warn("failed to remove attachment of deleted record")
		}
	}
	return nil
}

// Attachment returns the blob of a record, nil when it has none.
func (l *Ledger) Attachment(ctx context.Context, id string) ([]byte, string, error) {
	l.gate.RLock()
	defer l.gate.RUnlock()
	db, err := l.conn()
	if err != nil {
		return nil, "", err
	}
	var attachment, tag sql.NullString
	err = db.QueryRowContext(ctx, `SELECT attachment, attachment_tag FROM records WHERE id = ?`, id).Scan(&attachment, &tag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", fmt.Errorf("%w: %s", ledgerbox.ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, "", err
	}
	if !attachment.Valid {
		return nil, "", nil
	}
	data, err := l.readBlob(attachment.String)
	return data, tag.String, err
}

func (l *Ledger) readBlob(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.attachmentDir, name))
	if errors.Is(err, fs.ErrNotExist) {
		// the row outlived its file; treat as no attachment
		return nil, nil
	}
	return data, err
}

/* RecordSource */

func (l *Ledger) RecordTypes() []string {
	return append([]string(nil), recordTypes...)
}

type blobRef struct {
	id   string
	file string
	tag  string
}

// Enumerate yields every record of recordType. Row metadata is read under
// the gate; blobs are loaded one at a time while iterating.
func (l *Ledger) Enumerate(ctx context.Context, recordType string) iter.Seq2[ledgerbox.AttachmentRecord, error] {
	return func(yield func(ledgerbox.AttachmentRecord, error) bool) {
		refs, err := l.blobRefs(ctx, recordType)
		if err != nil {
			yield(ledgerbox.AttachmentRecord{}, err)
			return
		}
		for _, ref := range refs {
			rec := ledgerbox.AttachmentRecord{ID: ref.id, ContentTypeTag: ref.tag}
			if ref.file != "" {
				data, err := l.readBlob(ref.file)
				if err != nil {
					yield(ledgerbox.AttachmentRecord{}, fmt.Errorf("read attachment of %s: %w", ref.id, err))
					return
				}
				rec.Blob = data
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (l *Ledger) blobRefs(ctx context.Context, recordType string) ([]blobRef, error) {
	l.gate.RLock()
	defer l.gate.RUnlock()
	db, err := l.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT id, attachment, attachment_tag FROM records WHERE type = ? ORDER BY id`, recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []blobRef
	for rows.Next() {
		var ref blobRef
		var file, tag sql.NullString
		if err := rows.Scan(&ref.id, &file, &tag); err != nil {
			return nil, err
		}
		ref.file, ref.tag = file.String, tag.String
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

/* RecordSink */

// WriteBlob replaces the attachment of a record.
func (l *Ledger) WriteBlob(ctx context.Context, recordType string, id string, data []byte, tag string) error {
	l.gate.RLock()
	defer l.gate.RUnlock()
	db, err := l.conn()
	if err != nil {
		return err
	}

	var previous sql.NullString
	err = db.QueryRowContext(ctx, `SELECT attachment FROM records WHERE id = ? AND type = ?`, id, recordType).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", ledgerbox.ErrRecordNotFound, recordType, id)
	}
	if err != nil {
		return err
	}

	ext := tag
	if ext == "" {
		ext = "bin"
	}
	name := fmt.Sprintf("%s.%s", id, ext)
	if err := utils.WriteFileAtomic(filepath.Join(l.attachmentDir, name), data, 0o644); err != nil {
		return fmt.Errorf("write attachment: %w", err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE records SET attachment = ?, attachment_tag = ? WHERE id = ?`, name, tag, id); err != nil {
		return err
	}
	if previous.Valid && previous.String != name {
		if err := utils.RemoveIfExists(filepath.Join(l.attachmentDir, previous.String)); err != nil {
			l.log.WithError(err).Warn("failed to remove replaced attachment")
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, string, error) {
	var r Record
	var typ, occurred string
	var attachment, tag sql.NullString
	if err := s.Scan(&r.ID, &typ, &r.AmountCents, &r.Currency, &r.Category, &r.Note, &occurred, &attachment, &tag); err != nil {
		return Record{}, "", err
	}
	r.Type = RecordType(typ)
	t, err := time.Parse(time.RFC3339Nano, occurred)
	if err != nil {
		return Record{}, "", fmt.Errorf("record %s has bad timestamp: %w", r.ID, err)
	}
	r.OccurredAt = t
	r.HasAttachment = attachment.Valid
	r.AttachmentTag = tag.String
	return r, attachment.String, nil
}
