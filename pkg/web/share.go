package web

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/securecookie"

	"github.com/dogeorg/ledgerbox/pkg/catalog"
)

const (
	shareTokenName = "ledgerbox-share"
	shareTTL       = 24 * time.Hour
)

type shareToken struct {
	ID string `json:"id"`
}

// newShareSigner signs share links with secret. Without a configured secret
// a random key is used and links stop working on restart.
func newShareSigner(secret string) *securecookie.SecureCookie {
	key := []byte(secret)
	if len(key) == 0 {
		key = securecookie.GenerateRandomKey(32)
	}
	s := securecookie.New(key, nil)
	s.MaxAge(int(shareTTL.Seconds()))
	s.SetSerializer(securecookie.JSONEncoder{})
	return s
}

// shareBackup copies the archive into the share directory and returns a
// signed link to it that expires after shareTTL.
func (t api) shareBackup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := t.svc.Catalog().ExportForSharing(id, t.config.ShareDir); err != nil {
		sendPipelineError(w, err)
		return
	}

	token, err := t.share.Encode(shareTokenName, shareToken{ID: id})
	if err != nil {
		sendErrorResponse(w, http.StatusInternalServerError, "Failed to sign share link")
		return
	}
	sendResponse(w, map[string]any{
		"success":   true,
		"url":       "/share/" + token,
		"expiresAt": time.Now().Add(shareTTL).UTC(),
	})
}

func (t api) downloadShared(w http.ResponseWriter, r *http.Request) {
	var tok shareToken
	if err := t.share.Decode(shareTokenName, r.PathValue("token"), &tok); err != nil {
		sendErrorResponse(w, http.StatusForbidden, "Invalid or expired share link")
		return
	}
	name := catalog.FileName(tok.ID)
	if _, ok := catalog.ParseFileName(name); !ok {
		sendErrorResponse(w, http.StatusForbidden, "Invalid or expired share link")
		return
	}
	path := filepath.Join(t.config.ShareDir, name)
	if _, err := os.Stat(path); err != nil {
		sendErrorResponse(w, http.StatusNotFound, "Backup not found")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", name))
	http.ServeFile(w, r, path)
}
