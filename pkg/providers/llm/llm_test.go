package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleRequestRejectsUnknownMethod(t *testing.T) {
	p := New("p1", "sk-test")
	_, err := p.HandleRequest(context.Background(), "ghost", json.RawMessage(`{}`))
	assert.Error(t, err)
}

func TestHandleRequestRejectsInvalidParams(t *testing.T) {
	p := New("p1", "sk-test")
	_, err := p.HandleRequest(context.Background(), "chat", json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestSupportedMethodsIsChatOnly(t *testing.T) {
	p := New("p1", "sk-test")
	assert.Equal(t, []string{"chat"}, p.SupportedMethods())
}

func TestHandleRequestReturnsContentFromCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hi there"}}]}`)
	}))
	defer srv.Close()

	cfg := openai.DefaultConfig("sk-test")
	cfg.BaseURL = srv.URL
	p := &Provider{id: "p1", client: openai.NewClientWithConfig(cfg)}

	params, _ := json.Marshal(chatParams{Prompt: "hello"})
	out, err := p.HandleRequest(context.Background(), "chat", params)
	require.NoError(t, err)

	var result chatResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.Equal(t, "hi there", result.Content)
}
