// Package script implements the script/v1 reference protocol provider:
// it runs a sandboxed JavaScript function against a task's params and
// returns its result. Grounded on the donor's
// pkg/nodes/code/javascript_runtime.go goja sandbox — same disabled
// globals, same per-call VM, same context-cancellable execution via a
// result/error channel select, generalized from a node-execution
// context to a (protocol, method) provider call.
package script

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"github.com/gleitzeit/gleitzeit/pkg/protocol"
	"github.com/gleitzeit/gleitzeit/pkg/provider"
	"github.com/gleitzeit/gleitzeit/pkg/rpcerr"
)

// Spec is the script/v1 protocol: a single "execute" method taking a
// JS function body and a data object passed to it as `input.data`.
func Spec() protocol.Spec {
	return protocol.Spec{
		ProtocolID: "script/v1",
		Methods: map[string]protocol.MethodSpec{
			"execute": {
				Name:        "execute",
				Description: "runs a JavaScript function body in a sandboxed VM",
				ParamsSchema: []protocol.ParamSchema{
					{Name: "code", Type: protocol.TypeString, Required: true},
					{Name: "data", Type: protocol.TypeObject, Required: false},
				},
			},
		},
	}
}

// Provider is the script/v1 reference Provider.
type Provider struct {
	id string
}

func New(id string) *Provider {
	return &Provider{id: id}
}

func (p *Provider) Initialize(ctx context.Context) error { return nil }
func (p *Provider) Shutdown(ctx context.Context) error   { return nil }

func (p *Provider) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	return provider.HealthStatus{Status: provider.HealthHealthy}, nil
}

func (p *Provider) SupportedMethods() []string { return []string{"execute"} }

type execParams struct {
	Code string                 `json:"code"`
	Data map[string]interface{} `json:"data"`
}

func (p *Provider) HandleRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if method != "execute" {
		return nil, rpcerr.NewMethodNotFound("script/v1 has no method " + method)
	}
	var req execParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, rpcerr.NewInvalidParams(fmt.Sprintf("invalid params: %v", err))
	}

	vm := goja.New()
	vm.Set("require", goja.Undefined())
	vm.Set("import", goja.Undefined())
	vm.Set("eval", goja.Undefined())
	vm.Set("Function", goja.Undefined())

	inputObj := vm.NewObject()
	_ = inputObj.Set("data", req.Data)
	vm.Set("input", inputObj)

	wrapped := fmt.Sprintf("(function() {\n%s\n})()", req.Code)

	resultChan := make(chan goja.Value, 1)
	errorChan := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errorChan <- fmt.Errorf("panic during script execution: %v", r)
			}
		}()
		result, err := vm.RunString(wrapped)
		if err != nil {
			errorChan <- err
			return
		}
		resultChan <- result
	}()

	select {
	case result := <-resultChan:
		if result == nil || goja.IsUndefined(result) {
			return json.Marshal(nil)
		}
		return json.Marshal(result.Export())
	case err := <-errorChan:
		return nil, rpcerr.Wrap(rpcerr.SystemFailure, rpcerr.CategorySystem, "script execution failed", err)
	case <-ctx.Done():
		return nil, rpcerr.NewProviderTimeout(ctx.Err().Error())
	}
}

var _ provider.Provider = (*Provider)(nil)
