package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dogeorg/ledgerbox/pkg/remote"
	"github.com/dogeorg/ledgerbox/pkg/web"
)

// service is anything started and stopped with the daemon.
type service interface {
	Run(started, stopped chan bool, stop chan context.Context) error
}

type namedService struct {
	name string
	svc  service
}

type runningService struct {
	name    string
	stopped chan bool
	stop    chan context.Context
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the backup daemon and its REST API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if bind, _ := cmd.Flags().GetString("bind"); bind != "" {
			cfg.Bind = bind
		}
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Port = port
		}
		log, err := newLogger(cfg, os.Stderr)
		if err != nil {
			return err
		}

		a, err := openApp(cfg, log, true)
		if err != nil {
			return err
		}
		defer a.Close()

		if f, ok := a.remote.(*remote.Flight); ok {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := f.Check(ctx); err != nil {
				log.WithError(err).Warn("remote store is not reachable, uploads will fail")
			}
			cancel()
		}

		running, err := startServices(log, []namedService{
			{"backup", a.svc},
			{"web", web.RESTAPI(cfg, a.svc, log)},
		})
		if err != nil {
			return err
		}

		if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			log.WithError(err).Warn("failed to notify systemd")
		} else if ok {
			log.Debug("notified systemd")
		}
		log.WithField("addr", cfg.Bind).WithField("port", cfg.Port).Info("ledgerbox is ready")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		log.Info("shutting down")
		stopServices(log, running, 30*time.Second)
		return nil
	},
}

// startServices starts services in order and waits for each to report in.
func startServices(log logrus.FieldLogger, services []namedService) ([]runningService, error) {
	var running []runningService
	for _, s := range services {
		started := make(chan bool)
		r := runningService{name: s.name, stopped: make(chan bool), stop: make(chan context.Context)}
		if err := s.svc.Run(started, r.stopped, r.stop); err != nil {
			stopServices(log, running, 10*time.Second)
			return nil, err
		}
		<-started
		log.WithField("service", s.name).Debug("service started")
		running = append(running, r)
	}
	return running, nil
}

// stopServices stops services in reverse start order.
func stopServices(log logrus.FieldLogger, running []runningService, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for i := len(running) - 1; i >= 0; i-- {
		r := running[i]
		r.stop <- ctx
		select {
		case <-r.stopped:
			log.WithField("service", r.name).Debug("service stopped")
		case <-ctx.Done():
			log.WithField("service", r.name).Warn("service did not stop in time")
		}
	}
}

func init() {
	serveCmd.Flags().String("bind", "", "address to listen on")
	serveCmd.Flags().Int("port", 0, "port to listen on")
	rootCmd.AddCommand(serveCmd)
}
