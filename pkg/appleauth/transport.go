package appleauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Transport sends HTTP requests. *http.Client satisfies it.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

const widgetKey = "e0b80c3bf78523bfe80974d320935bfa30add02e1bff88ec2166c6bd5a706c42"

// pendingAuth holds what a second-factor submission needs to continue a
// sign-in that Apple answered with 409.
type pendingAuth struct {
	appleID   string
	scnt      string
	sessionID string
	anisette  *AnisetteData
	createdAt time.Time
	attempts  int
}

// authResponse is the part of an idmsa response the flow looks at.
type authResponse struct {
	status  int
	header  http.Header
	message string
}

type serviceErrors struct {
	ServiceErrors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"serviceErrors"`
}

func (a *Authenticator) newRequest(ctx context.Context, method, path string, query url.Values, body interface{}, p *pendingAuth) (*http.Request, error) {
	u := a.endpoint + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	h := req.Header
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("User-Agent", "Xcode")
	h.Set("X-Apple-Widget-Key", widgetKey)
	h.Set("X-Requested-With", "XMLHttpRequest")
	h.Set("Origin", "https://idmsa.apple.com")
	h.Set("Referer", "https://idmsa.apple.com/")
	if p != nil {
		p.anisette.Apply(h)
		if p.scnt != "" {
			h.Set("scnt", p.scnt)
		}
		if p.sessionID != "" {
			h.Set("X-Apple-ID-Session-Id", p.sessionID)
		}
	}
	return req, nil
}

// do sends req once and reads the status, headers and any service error
// message. Transport errors and 5xx are returned as errors so the caller
// can retry them.
func (a *Authenticator) do(req *http.Request) (*authResponse, error) {
	resp, err := a.client.Do(req)
	if err != nil {
		a.metrics.AppleRequest("auth", "error")
		return nil, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 500 {
		a.metrics.AppleRequest("auth", "5xx")
		return nil, fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status)
	}
	a.metrics.AppleRequest("auth", fmt.Sprintf("%dxx", resp.StatusCode/100))

	out := &authResponse{status: resp.StatusCode, header: resp.Header}
	var se serviceErrors
	if json.Unmarshal(data, &se) == nil && len(se.ServiceErrors) > 0 {
		out.message = se.ServiceErrors[0].Message
	}
	return out, nil
}

// updateTokens carries scnt and the session id forward from a response.
func (p *pendingAuth) updateTokens(h http.Header) {
	if v := h.Get("scnt"); v != "" {
		p.scnt = v
	}
	if v := h.Get("X-Apple-ID-Session-Id"); v != "" {
		p.sessionID = v
	}
}
