package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/securecookie"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
	"github.com/dogeorg/ledgerbox/pkg/system"
)

func RESTAPI(
	config ledgerbox.ServerConfig,
	svc *system.BackupService,
	log logrus.FieldLogger,
) api {
	if log == nil {
		log = logrus.StandardLogger()
	}

	a := api{
		mux:    http.NewServeMux(),
		config: config,
		svc:    svc,
		share:  newShareSigner(config.ShareSecret),
		log:    log.WithField("component", "web"),
	}

	routes := map[string]http.HandlerFunc{
		"GET /backups":              a.getBackups,
		"POST /backups":             a.createBackup,
		"GET /backups/{id}":         a.getBackup,
		"DELETE /backups/{id}":      a.deleteBackup,
		"POST /backups/{id}/share":  a.shareBackup,
		"POST /backups/{id}/verify": a.verifyBackup,
		"GET /share/{token}":        a.downloadShared,
		"POST /restore":             a.startRestore,

		"GET /state":        a.getState,
		"GET /system/stats": a.getSystemStats,

		"GET /jobs":                  a.getJobs,
		"GET /jobs/recent":           a.getRecentJobs,
		"GET /jobs/{jobID}":          a.getJob,
		"POST /jobs/clear-completed": a.clearCompletedJobs,

		"/ws/progress": a.getProgressSocket,
	}

	for p, h := range routes {
		a.mux.HandleFunc(p, h)
	}
	a.log.Debugf("Loaded %d API routes", len(routes))

	return a
}

type api struct {
	mux    *http.ServeMux
	config ledgerbox.ServerConfig
	svc    *system.BackupService
	share  *securecookie.SecureCookie
	log    logrus.FieldLogger
}

// Handler is the full API wrapped for cross origin access.
func (t api) Handler() http.Handler {
	return cors.AllowAll().Handler(t.mux)
}

func (t api) Run(started, stopped chan bool, stop chan context.Context) error {
	go func() {
		srv := &http.Server{Addr: fmt.Sprintf("%s:%d", t.config.Bind, t.config.Port), Handler: t.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				t.log.WithError(err).Fatal("HTTP server ListenAndServe")
			}
		}()

		started <- true
		ctx := <-stop
		if err := srv.Shutdown(ctx); err != nil {
			t.log.WithError(err).Warn("HTTP server shutdown")
		}
		stopped <- true
	}()
	return nil
}
