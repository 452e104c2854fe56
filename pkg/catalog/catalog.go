// Package catalog indexes the archives in the backup directory. There is
// no index file; every listing is rebuilt from the directory contents and
// the manifest at the head of each archive.
package catalog

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
	"github.com/dogeorg/ledgerbox/pkg/archive"
	"github.com/dogeorg/ledgerbox/pkg/utils"
)

var fileNamePattern = regexp.MustCompile(`^backup_(\d+)\.archive$`)

func FileName(id string) string {
	return fmt.Sprintf("backup_%s.archive", id)
}

// ParseFileName returns the id of a catalog file name.
func ParseFileName(name string) (string, bool) {
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}

type Catalog struct {
	dir string
	log logrus.FieldLogger
}

func New(dir string, log logrus.FieldLogger) (*Catalog, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ledgerbox.IOError("create backup dir", err)
	}
	return &Catalog{dir: dir, log: log.WithField("component", "catalog")}, nil
}

func (c *Catalog) Dir() string {
	return c.dir
}

func (c *Catalog) Path(id string) string {
	return filepath.Join(c.dir, FileName(id))
}

// List returns every readable archive, newest first. Archives whose
// manifest cannot be read are logged and left out.
func (c *Catalog) List() ([]ledgerbox.BackupInfo, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, ledgerbox.IOError("read backup dir", err)
	}

	out := []ledgerbox.BackupInfo{}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		id, ok := ParseFileName(entry.Name())
		if !ok {
			continue
		}
		info, err := c.info(id)
		if err != nil {
			c.log.WithError(err).WithField("file", entry.Name()).Warn("skipping unreadable backup")
			continue
		}
		out = append(out, info)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return idLess(out[j].ID, out[i].ID)
	})
	return out, nil
}

// Get reads the manifest of one archive.
func (c *Catalog) Get(id string) (ledgerbox.BackupInfo, error) {
	if err := validID(id); err != nil {
		return ledgerbox.BackupInfo{}, err
	}
	return c.info(id)
}

func (c *Catalog) info(id string) (ledgerbox.BackupInfo, error) {
	path := c.Path(id)
	f, err := os.Open(path)
	if err != nil {
		return ledgerbox.BackupInfo{}, notFoundOrIO(id, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return ledgerbox.BackupInfo{}, ledgerbox.IOError("stat "+path, err)
	}
	manifest, err := archive.ReadManifest(f)
	if err != nil {
		return ledgerbox.BackupInfo{}, err
	}
	return ledgerbox.BackupInfo{
		ID:          id,
		Date:        manifest.CreatedAt,
		AppVersion:  manifest.FormatVersion,
		ArchivePath: path,
		Size:        stat.Size(),
	}, nil
}

// Publish writes a finished archive into the catalog. The id is the unix
// timestamp of createdAt, moved forward a second at a time if taken.
func (c *Catalog) Publish(data []byte, createdAt time.Time) (ledgerbox.BackupInfo, error) {
	ts := createdAt.Unix()
	for {
		id := strconv.FormatInt(ts, 10)
		if _, err := os.Stat(c.Path(id)); errors.Is(err, fs.ErrNotExist) {
			break
		}
		ts++
	}
	id := strconv.FormatInt(ts, 10)
	path := c.Path(id)

	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return ledgerbox.BackupInfo{}, ledgerbox.IOError("publish archive", err)
	}
	c.log.WithFields(logrus.Fields{"id": id, "size": len(data)}).Info("published backup")

	return ledgerbox.BackupInfo{
		ID:          id,
		Date:        createdAt,
		ArchivePath: path,
		Size:        int64(len(data)),
	}, nil
}

// Open returns the full contents of an archive.
func (c *Catalog) Open(id string) ([]byte, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(c.Path(id))
	if err != nil {
		return nil, notFoundOrIO(id, err)
	}
	return data, nil
}

func (c *Catalog) Delete(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	if err := os.Remove(c.Path(id)); err != nil {
		return notFoundOrIO(id, err)
	}
	c.log.WithField("id", id).Info("deleted backup")
	return nil
}

// ExportForSharing copies an archive into destDir and returns the copy's
// path. The copy keeps the catalog file name.
func (c *Catalog) ExportForSharing(id string, destDir string) (string, error) {
	if err := validID(id); err != nil {
		return "", err
	}
	src := c.Path(id)
	if _, err := os.Stat(src); err != nil {
		return "", notFoundOrIO(id, err)
	}
	dest := filepath.Join(destDir, FileName(id))
	if err := utils.CopyFile(src, dest); err != nil {
		return "", ledgerbox.IOError("export backup", err)
	}
	return dest, nil
}

// Prune deletes all but the newest keep archives and returns the removed ids.
func (c *Catalog) Prune(keep int) ([]string, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep must not be negative, got %d", keep)
	}
	list, err := c.List()
	if err != nil {
		return nil, err
	}
	if len(list) <= keep {
		return []string{}, nil
	}

	removed := []string{}
	for _, info := range list[keep:] {
		if err := c.Delete(info.ID); err != nil {
			return removed, err
		}
		removed = append(removed, info.ID)
	}
	return removed, nil
}

// Verify fully decodes an archive.
func (c *Catalog) Verify(id string) (ledgerbox.ArchiveManifest, error) {
	data, err := c.Open(id)
	if err != nil {
		return ledgerbox.ArchiveManifest{}, err
	}
	manifest, _, err := archive.Decode(data)
	return manifest, err
}

func validID(id string) error {
	if _, ok := ParseFileName(FileName(id)); !ok {
		return fmt.Errorf("%w: no backup with id %q", ledgerbox.ErrFileNotFound, id)
	}
	return nil
}

func notFoundOrIO(id string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: backup %s", ledgerbox.ErrFileNotFound, id)
	}
	return ledgerbox.IOError("backup "+id, err)
}

// idLess orders numeric ids by value.
func idLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
