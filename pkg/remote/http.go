package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	ledgerbox "github.com/dogeorg/ledgerbox/pkg"
	"github.com/dogeorg/ledgerbox/pkg/utils"
)

const (
	httpAttempts = 3
	httpBackoff  = 2 * time.Second
)

// HTTPStore talks to a plain blob endpoint: PUT {base}/{name} stores an
// archive and GET {base}/{name} returns it.
type HTTPStore struct {
	client  *resty.Client
	log     logrus.FieldLogger
	backoff time.Duration
}

func NewHTTPStore(cfg ledgerbox.RemoteConfig, log logrus.FieldLogger) (*HTTPStore, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("http remote needs a base url")
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("User-Agent", "ledgerbox").
		SetTimeout(10 * time.Minute)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &HTTPStore{client: client, log: log, backoff: httpBackoff}, nil
}

func (h *HTTPStore) Upload(ctx context.Context, name string, data []byte, onProgress ledgerbox.ProgressFunc) error {
	return h.retry(ctx, func() error {
		body := utils.NewProgressReader(bytes.NewReader(data), int64(len(data)), progressOrNoop(onProgress))
		resp, err := h.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", archiveContentType).
			SetPathParam("name", name).
			SetBody(body).
			Put("/{name}")
		if err != nil {
			return ledgerbox.IOError("upload "+name, err)
		}
		return statusError(resp, name)
	})
}

func (h *HTTPStore) Download(ctx context.Context, name string, onProgress ledgerbox.ProgressFunc) ([]byte, error) {
	var data []byte
	err := h.retry(ctx, func() error {
		resp, err := h.client.R().
			SetContext(ctx).
			SetDoNotParseResponse(true).
			SetPathParam("name", name).
			Get("/{name}")
		if err != nil {
			return ledgerbox.IOError("download "+name, err)
		}
		raw := resp.RawBody()
		defer raw.Close()
		if err := statusError(resp, name); err != nil {
			return err
		}

		pr := utils.NewProgressReader(raw, resp.RawResponse.ContentLength, progressOrNoop(onProgress))
		if data, err = io.ReadAll(pr); err != nil {
			return ledgerbox.IOError("download "+name, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func statusError(resp *resty.Response, name string) error {
	switch code := resp.StatusCode(); {
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ledgerbox.ErrFileNotFound, name)
	case code >= 400:
		return ledgerbox.IOError(name, fmt.Errorf("remote returned %s", resp.Status()))
	}
	return nil
}

// retry runs f until it succeeds, the attempts run out or the failure is
// one a retry cannot fix.
func (h *HTTPStore) retry(ctx context.Context, f func() error) (err error) {
	for i := 0; ; i++ {
		err = f()
		if err == nil || errors.Is(err, ledgerbox.ErrFileNotFound) {
			return err
		}
		if i >= httpAttempts-1 {
			break
		}

		h.log.WithError(err).Warn("retrying remote transfer")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.backoff):
		}
	}
	return fmt.Errorf("after %d attempts, last error: %w", httpAttempts, err)
}
