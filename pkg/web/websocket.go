package web

import (
	"io"
	"net/http"

	"golang.org/x/net/websocket"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
)

// Handle incoming websocket connections for pipeline progress. The client
// first receives the current state, then every change the service
// publishes until it disconnects.
func (t api) getProgressSocket(w http.ResponseWriter, r *http.Request) {
	h := websocket.Server{
		Handler: func(ws *websocket.Conn) {
			defer ws.Close()
			changes, unsubscribe := t.svc.Subscribe()
			defer unsubscribe()

			bootstrap := ledgerbox.Change{ID: "internal", Type: "bootstrap", Update: t.svc.State()}
			if err := websocket.JSON.Send(ws, bootstrap); err != nil {
				return
			}

			// the client never sends anything, a read only ends on disconnect
			gone := make(chan struct{})
			go func() {
				_, _ = io.Copy(io.Discard, ws)
				close(gone)
			}()

			for {
				select {
				case <-gone:
					return
				case c, ok := <-changes:
					if !ok {
						return
					}
					if err := websocket.JSON.Send(ws, c); err != nil {
						t.log.WithError(err).Debug("closing progress websocket")
						return
					}
				}
			}
		},
	}
	h.ServeHTTP(w, r)
}
