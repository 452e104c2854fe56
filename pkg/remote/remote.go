package remote

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
)

// New builds the RemoteBlobStore described by cfg. A config without a kind
// yields a nil store and no error: remote publishing is optional.
func New(cfg ledgerbox.RemoteConfig, log logrus.FieldLogger) (ledgerbox.RemoteBlobStore, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("remote", cfg.Kind)

	var inner ledgerbox.RemoteBlobStore
	switch cfg.Kind {
	case ledgerbox.RemoteNone:
		return nil, nil
	case ledgerbox.RemoteS3:
		s, err := NewS3Store(cfg, log)
		if err != nil {
			return nil, err
		}
		inner = s
	case ledgerbox.RemoteHTTP:
		h, err := NewHTTPStore(cfg, log)
		if err != nil {
			return nil, err
		}
		inner = h
	default:
		return nil, fmt.Errorf("unknown remote kind %q", cfg.Kind)
	}
	return SingleFlight(inner), nil
}

// Flight collapses concurrent transfers of the same object name into one.
// Callers that join an in-flight transfer share its result but only the
// caller that started it receives progress.
type Flight struct {
	inner     ledgerbox.RemoteBlobStore
	uploads   singleflight.Group
	downloads singleflight.Group
}

func SingleFlight(inner ledgerbox.RemoteBlobStore) *Flight {
	return &Flight{inner: inner}
}

func (f *Flight) Upload(ctx context.Context, name string, data []byte, onProgress ledgerbox.ProgressFunc) error {
	_, err, _ := f.uploads.Do(name, func() (interface{}, error) {
		return nil, f.inner.Upload(ctx, name, data, onProgress)
	})
	return err
}

// Download returns a copy per caller so joined callers never share a buffer.
func (f *Flight) Download(ctx context.Context, name string, onProgress ledgerbox.ProgressFunc) ([]byte, error) {
	v, err, shared := f.downloads.Do(name, func() (interface{}, error) {
		return f.inner.Download(ctx, name, onProgress)
	})
	if err != nil {
		return nil, err
	}
	data := v.([]byte)
	if shared {
		data = append([]byte(nil), data...)
	}
	return data, nil
}

func progressOrNoop(fn ledgerbox.ProgressFunc) func(float64) {
	if fn == nil {
		return func(float64) {}
	}
	return fn
}

// Check probes the backing store when it supports it.
func (f *Flight) Check(ctx context.Context) error {
	if c, ok := f.inner.(interface{ Check(context.Context) error }); ok {
		return c.Check(ctx)
	}
	return nil
}
