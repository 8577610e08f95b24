// Package httpclient implements the http/v1 reference protocol
// provider: a single "request" method exposing the url/method/
// headers/body/timeout parameter shape the donor's
// pkg/nodes/http_request/http_request.go declares as a node type. The
// donor leaves Execute as a pass-through stub; this provider performs
// the call for real, since the provider contract requires a working
// handle_request.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gleitzeit/gleitzeit/pkg/protocol"
	"github.com/gleitzeit/gleitzeit/pkg/provider"
	"github.com/gleitzeit/gleitzeit/pkg/rpcerr"
)

func Spec() protocol.Spec {
	return protocol.Spec{
		ProtocolID: "http/v1",
		Methods: map[string]protocol.MethodSpec{
			"request": {
				Name:        "request",
				Description: "performs an HTTP request and returns status/headers/body",
				ParamsSchema: []protocol.ParamSchema{
					{Name: "url", Type: protocol.TypeString, Required: true},
					{Name: "method", Type: protocol.TypeString, Required: false, Default: "GET", Enum: []string{"GET", "POST", "PUT", "PATCH", "DELETE"}},
					{Name: "headers", Type: protocol.TypeObject, Required: false},
					{Name: "body", Type: protocol.TypeString, Required: false},
					{Name: "timeout", Type: protocol.TypeInteger, Required: false, Default: 30},
				},
			},
		},
	}
}

// Provider is the http/v1 reference Provider.
type Provider struct {
	id     string
	client *http.Client
}

func New(id string) *Provider {
	return &Provider{id: id, client: &http.Client{}}
}

func (p *Provider) Initialize(ctx context.Context) error { return nil }
func (p *Provider) Shutdown(ctx context.Context) error   { return nil }

func (p *Provider) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	return provider.HealthStatus{Status: provider.HealthHealthy}, nil
}

func (p *Provider) SupportedMethods() []string { return []string{"request"} }

type requestParams struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout int               `json:"timeout"`
}

type requestResult struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

func (p *Provider) HandleRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if method != "request" {
		return nil, rpcerr.NewMethodNotFound("http/v1 has no method " + method)
	}
	var req requestParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, rpcerr.NewInvalidParams(fmt.Sprintf("invalid params: %v", err))
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var bodyReader io.Reader
	if req.Body != "" {
		bodyReader = bytes.NewBufferString(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, rpcerr.NewInvalidParams(fmt.Sprintf("invalid request: %v", err))
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if reqCtx.Err() != nil {
			return nil, rpcerr.NewProviderTimeout(reqCtx.Err().Error())
		}
		return nil, rpcerr.Wrap(rpcerr.ProviderNotAvailable, rpcerr.CategoryTransientNetwork, "http request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.SystemFailure, rpcerr.CategorySystem, "failed reading response body", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return json.Marshal(requestResult{StatusCode: resp.StatusCode, Headers: headers, Body: string(body)})
}

var _ provider.Provider = (*Provider)(nil)
