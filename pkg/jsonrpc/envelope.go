// Package jsonrpc models the JSON-RPC 2.0 request/response envelopes used
// at the provider boundary (§6 of the design: every task dispatch maps to
// a JSON-RPC request, every provider answers with a result or an error).
package jsonrpc

import (
	"encoding/json"

	"github.com/gleitzeit/gleitzeit/pkg/rpcerr"
)

const Version = "2.0"

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func NewRequest(id, method string, params json.RawMessage) Request {
	return Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func ErrorFromRPCErr(id string, err *rpcerr.Error) Response {
	return Response{
		JSONRPC: Version,
		ID:      id,
		Error: &Error{
			Code:    err.Code.JSONRPCCode(),
			Message: err.Message,
			Data:    err.Data,
		},
	}
}

// AsRPCErr converts a wire-level Error back into the internal taxonomy.
// JSON-RPC carries no category field, so the category is inferred from
// Code; a code with no mapping below becomes a system failure.
func (e *Error) AsRPCErr() *rpcerr.Error {
	code := rpcerr.SystemFailure
	category := rpcerr.CategorySystem
	switch e.Code {
	case -32601:
		code, category = rpcerr.MethodNotFound, rpcerr.CategoryValidation
	case -32602:
		code, category = rpcerr.InvalidParams, rpcerr.CategoryValidation
	case -32001:
		code, category = rpcerr.ProviderNotAvailable, rpcerr.CategoryProviderUnavailable
	case -32002:
		code, category = rpcerr.ProviderTimeout, rpcerr.CategoryTimeout
	case -32003:
		code, category = rpcerr.AuthenticationFailed, rpcerr.CategoryAuth
	case -32005:
		code, category = rpcerr.RateLimitExceeded, rpcerr.CategoryTransientNetwork
	}
	return rpcerr.New(code, category, e.Message)
}
