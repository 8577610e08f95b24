// Package llm implements the llm/v1 reference protocol provider: a
// single "chat" method that builds go-openai ChatCompletionMessages
// from params and calls CreateChatCompletion. Grounded on the donor's
// pkg/nodes/llm/llm.go message-building and client-call shape; unlike
// the donor (which loads an API key from a connections DB row at call
// time), this provider is configured with its credential once at
// registration, since there is no credential vault in scope here.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/gleitzeit/gleitzeit/pkg/protocol"
	"github.com/gleitzeit/gleitzeit/pkg/provider"
	"github.com/gleitzeit/gleitzeit/pkg/rpcerr"
)

func Spec() protocol.Spec {
	return protocol.Spec{
		ProtocolID: "llm/v1",
		Methods: map[string]protocol.MethodSpec{
			"chat": {
				Name:        "chat",
				Description: "runs a chat completion against the configured model",
				ParamsSchema: []protocol.ParamSchema{
					{Name: "model", Type: protocol.TypeString, Required: false, Default: "gpt-3.5-turbo"},
					{Name: "system_prompt", Type: protocol.TypeString, Required: false},
					{Name: "prompt", Type: protocol.TypeString, Required: true},
				},
			},
		},
	}
}

// Provider is the llm/v1 reference Provider, backed by a single
// pre-configured API key — one Provider instance per credential.
type Provider struct {
	id     string
	client *openai.Client
}

func New(id, apiKey string) *Provider {
	return &Provider{id: id, client: openai.NewClient(apiKey)}
}

func (p *Provider) Initialize(ctx context.Context) error { return nil }
func (p *Provider) Shutdown(ctx context.Context) error   { return nil }

func (p *Provider) HealthCheck(ctx context.Context) (provider.HealthStatus, error) {
	return provider.HealthStatus{Status: provider.HealthHealthy}, nil
}

func (p *Provider) SupportedMethods() []string { return []string{"chat"} }

type chatParams struct {
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
	Prompt       string `json:"prompt"`
}

type chatResult struct {
	Content string `json:"content"`
}

func (p *Provider) HandleRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if method != "chat" {
		return nil, rpcerr.NewMethodNotFound("llm/v1 has no method " + method)
	}
	var req chatParams
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, rpcerr.NewInvalidParams(fmt.Sprintf("invalid params: %v", err))
	}
	model := req.Model
	if model == "" {
		model = "gpt-3.5-turbo"
	}

	var msgs []openai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, rpcerr.New(rpcerr.SystemFailure, rpcerr.CategorySystem, "llm: no response choices")
	}
	return json.Marshal(chatResult{Content: resp.Choices[0].Message.Content})
}

func classifyOpenAIError(err error) error {
	return rpcerr.Wrap(rpcerr.ProviderNotAvailable, rpcerr.CategoryProviderUnavailable, "llm: chat completion error", err)
}

var _ provider.Provider = (*Provider)(nil)
