package notify

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"net/http"

	"github.com/juju/errors"
	"github.com/temoto/notify/log2"
)

const (
	HeaderItemKind    = "X-Notify-Kind"
	HeaderItemChannel = "X-Notify-Channel"
)

// HTTPFetcher posts inbox item payload to URL.
// Any 2xx response means item is handled.
type HTTPFetcher struct {
	Client *http.Client // default http.DefaultClient
	URL    string
	Log    *log2.Log
}

func (f *HTTPFetcher) Fetch(ctx context.Context, it Item) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL, bytes.NewReader(it.Payload))
	if err != nil {
		return errors.Annotate(err, "fetch request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderItemKind, it.Kind.String())
	req.Header.Set(HeaderItemChannel, it.Channel)

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Annotatef(err, "fetch url=%s", f.URL)
	}
	_, _ = io.Copy(ioutil.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return errors.Errorf("fetch url=%s status=%s", f.URL, resp.Status)
	}
	f.Log.Debugf("fetch kind=%s channel=%s status=%d", it.Kind, it.Channel, resp.StatusCode)
	return nil
}

// LogFetcher only logs items, for running without cloud endpoint.
func LogFetcher(log *log2.Log) Fetcher {
	return func(ctx context.Context, it Item) error {
		log.Infof("inbox kind=%s channel=%s payload=%q", it.Kind, it.Channel, it.Payload)
		return nil
	}
}
