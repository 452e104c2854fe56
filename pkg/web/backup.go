package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
)

type CreateRequest struct {
	Compression string `json:"compression"`
	Upload      bool   `json:"upload"`
}

// RestoreRequest names a catalog archive or a remote object. Archives from
// elsewhere are uploaded as multipart form data instead.
type RestoreRequest struct {
	ID         string `json:"id"`
	RemoteName string `json:"remoteName"`
}

func (t api) getBackups(w http.ResponseWriter, r *http.Request) {
	list, err := t.svc.Catalog().List()
	if err != nil {
		sendPipelineError(w, err)
		return
	}
	sendResponse(w, map[string]any{
		"success": true,
		"backups": list,
	})
}

func (t api) getBackup(w http.ResponseWriter, r *http.Request) {
	info, err := t.svc.Catalog().Get(r.PathValue("id"))
	if err != nil {
		sendPipelineError(w, err)
		return
	}
	sendResponse(w, map[string]any{
		"success": true,
		"backup":  info,
	})
}

func (t api) createBackup(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			sendErrorResponse(w, http.StatusBadRequest, "Error unmarshalling JSON: "+err.Error())
			return
		}
	}

	opts := ledgerbox.CreateBackup{Upload: req.Upload}
	if req.Compression != "" {
		m, err := ledgerbox.ParseCompressionMethod(req.Compression)
		if err != nil {
			sendErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Compression = m
	}
	if opts.Upload && !t.svc.HasRemote() {
		sendErrorResponse(w, http.StatusBadRequest, "No remote is configured")
		return
	}

	id, err := t.svc.StartCreate(opts)
	if err != nil {
		sendPipelineError(w, err)
		return
	}
	sendStatusResponse(w, http.StatusAccepted, map[string]any{
		"success": true,
		"id":      id,
	})
}

func (t api) deleteBackup(w http.ResponseWriter, r *http.Request) {
	if err := t.svc.Catalog().Delete(r.PathValue("id")); err != nil {
		sendPipelineError(w, err)
		return
	}
	sendResponse(w, map[string]any{"success": true})
}

func (t api) verifyBackup(w http.ResponseWriter, r *http.Request) {
	m, err := t.svc.Catalog().Verify(r.PathValue("id"))
	if err != nil {
		sendPipelineError(w, err)
		return
	}
	sendResponse(w, map[string]any{
		"success":  true,
		"manifest": m,
	})
}

func (t api) startRestore(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		t.startRestoreUpload(w, r)
		return
	}

	var req RestoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "Error unmarshalling JSON: "+err.Error())
		return
	}
	if (req.ID == "") == (req.RemoteName == "") {
		sendErrorResponse(w, http.StatusBadRequest, "Exactly one of id or remoteName is required")
		return
	}
	if req.RemoteName != "" && !t.svc.HasRemote() {
		sendErrorResponse(w, http.StatusBadRequest, "No remote is configured")
		return
	}

	id, err := t.svc.StartRestore(ledgerbox.RestoreBackup{ID: req.ID, RemoteName: req.RemoteName})
	if err != nil {
		sendPipelineError(w, err)
		return
	}
	sendStatusResponse(w, http.StatusAccepted, map[string]any{
		"success": true,
		"id":      id,
	})
}

// uploadSweepInterval is how often an upload restore checks whether its job
// has ended without a change being seen.
const uploadSweepInterval = 5 * time.Second

func (t api) startRestoreUpload(w http.ResponseWriter, r *http.Request) {
	if t.svc.Busy() {
		sendPipelineError(w, ledgerbox.ErrPipelineBusy)
		return
	}
	reader, err := r.MultipartReader()
	if err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "Invalid multipart request")
		return
	}

	uploadDir := filepath.Join(t.config.TmpDir, "uploads")
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		sendErrorResponse(w, http.StatusInternalServerError, "Failed to create upload directory")
		return
	}

	var tempPath string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			sendErrorResponse(w, http.StatusBadRequest, "Failed to read upload")
			return
		}
		if part.FormName() != "backup" {
			continue
		}
		tempFile, err := os.CreateTemp(uploadDir, "upload-*.archive")
		if err != nil {
			sendErrorResponse(w, http.StatusInternalServerError, "Failed to create temp file")
			return
		}
		if _, err := io.Copy(tempFile, part); err != nil {
			tempFile.Close()
			os.Remove(tempFile.Name())
			sendErrorResponse(w, http.StatusInternalServerError, "Failed to save upload")
			return
		}
		if err := tempFile.Close(); err != nil {
			os.Remove(tempFile.Name())
			sendErrorResponse(w, http.StatusInternalServerError, "Failed to finalize upload")
			return
		}
		tempPath = tempFile.Name()
		break
	}

	if tempPath == "" {
		sendErrorResponse(w, http.StatusBadRequest, "Backup file is required")
		return
	}

	// subscribe before starting so the final change cannot be missed
	changes, unsubscribe := t.svc.Subscribe()
	id, err := t.svc.StartRestore(ledgerbox.RestoreBackup{SourcePath: tempPath})
	if err != nil {
		unsubscribe()
		os.Remove(tempPath)
		sendPipelineError(w, err)
		return
	}
	go t.removeWhenDone(changes, unsubscribe, id, tempPath, uploadSweepInterval)

	sendStatusResponse(w, http.StatusAccepted, map[string]any{
		"success": true,
		"id":      id,
	})
}

// removeWhenDone deletes the uploaded archive once the restore job ends. The
// subscription may drop changes under load, so the busy gate is polled as
// well: StartRestore took it for this job, so once it is free the job is over.
func (t api) removeWhenDone(changes <-chan ledgerbox.Change, unsubscribe func(), jobID, path string, every time.Duration) {
	defer unsubscribe()
	tick := time.NewTicker(every)
	defer tick.Stop()

wait:
	for {
		select {
		case c, ok := <-changes:
			if !ok || jobEnded(c, jobID) {
				break wait
			}
		case <-tick.C:
			if !t.svc.Busy() {
				break wait
			}
		}
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.log.WithError(err).WithField("path", path).Warn("failed to remove uploaded archive")
	}
}

func jobEnded(c ledgerbox.Change, jobID string) bool {
	if c.ID == jobID && c.Type == (ledgerbox.RestoreBackup{}).ActionName() {
		return true
	}
	if c.Type != "job:completed" && c.Type != "job:failed" {
		return false
	}
	record, ok := c.Update.(ledgerbox.JobRecord)
	return ok && record.ID == jobID
}
