package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxErrorBody = 4096

// httpTransport posts the request and reads the response body as the stream
type httpTransport struct {
	endpoint *url.URL
	client   *http.Client
}

// withCollection returns u with the collection query parameter set
func withCollection(u *url.URL, collection string) string {
	if collection == "" {
		return u.String()
	}
	cp := *u
	q := cp.Query()
	q.Set("collection", collection)
	cp.RawQuery = q.Encode()
	return cp.String()
}

func (t *httpTransport) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	payload, err := json.Marshal(newRequestBody(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, withCollection(t.endpoint, req.Collection), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "request", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &ProtocolError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	return resp.Body, nil
}
