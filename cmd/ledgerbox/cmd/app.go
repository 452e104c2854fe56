package cmd

import (
	"errors"

	"github.com/sirupsen/logrus"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
	"github.com/dogeorg/ledgerbox/pkg/catalog"
	"github.com/dogeorg/ledgerbox/pkg/ledger"
	"github.com/dogeorg/ledgerbox/pkg/remote"
	"github.com/dogeorg/ledgerbox/pkg/system"
	"github.com/dogeorg/ledgerbox/pkg/version"
)

// app is everything a command needs, opened from one config.
type app struct {
	cfg    ledgerbox.ServerConfig
	log    *logrus.Logger
	ledger *ledger.Ledger
	state  *ledgerbox.StoreManager
	remote ledgerbox.RemoteBlobStore
	svc    *system.BackupService
}

// openApp opens the ledger and builds the backup service. Job records are
// only kept when withJobs is set, which is what the daemon does.
func openApp(cfg ledgerbox.ServerConfig, log *logrus.Logger, withJobs bool) (*app, error) {
	a := &app{cfg: cfg, log: log}

	l, err := ledger.Open(cfg.LedgerPath, cfg.AttachmentDir, log)
	if err != nil {
		return nil, err
	}
	a.ledger = l

	cat, err := catalog.New(cfg.BackupDir, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	rem, err := remote.New(cfg.Remote, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.remote = rem

	opts := system.ServiceOptions{
		Config:     cfg,
		Store:      l,
		Records:    l,
		Sink:       l,
		Catalog:    cat,
		Remote:     rem,
		AppVersion: version.AppVersion(),
		Log:        log,
	}
	if withJobs {
		sm, err := ledgerbox.NewStoreManager(cfg.StateDBPath())
		if err != nil {
			a.Close()
			return nil, err
		}
		a.state = sm
		opts.StateDB = sm
	}

	svc, err := system.NewBackupService(opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.svc = svc
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	if a.state != nil {
		errs = append(errs, a.state.CloseDB())
	}
	return errors.Join(errs...)
}
