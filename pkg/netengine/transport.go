// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package netengine

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// userAgentTransport stamps the engine identity on outgoing requests and,
// with brotli enabled, negotiates and decodes br/gzip bodies itself.
type userAgentTransport struct {
	next   http.RoundTripper
	agent  func() string
	brotli bool
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.agent())
	}
	if t.brotli && req.Header.Get("Accept-Encoding") == "" && req.Method != http.MethodHead {
		req.Header.Set("Accept-Encoding", "br, gzip")
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil || !t.brotli || bodyless(req, resp) {
		return resp, err
	}
	return decodeBody(resp)
}

// bodyless reports responses that carry no body whatever their
// Content-Encoding says.
func bodyless(req *http.Request, resp *http.Response) bool {
	if req.Method == http.MethodHead || resp.Body == nil || resp.Body == http.NoBody {
		return true
	}
	switch {
	case resp.StatusCode >= 100 && resp.StatusCode < 200:
		return true
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotModified:
		return true
	}
	return false
}

// decodeBody replaces a br or gzip encoded body with its decoded stream.
func decodeBody(resp *http.Response) (*http.Response, error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))

	var r io.Reader
	switch encoding {
	case "br":
		r = brotli.NewReader(resp.Body)
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		r = zr
	default:
		return resp, nil
	}

	resp.Body = &decodedBody{Reader: r, raw: resp.Body}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return resp, nil
}

type decodedBody struct {
	io.Reader
	raw io.Closer
}

func (b *decodedBody) Close() error {
	return b.raw.Close()
}
