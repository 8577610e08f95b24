// Package workerclient implements the remote-worker side of the
// claim-work/complete-work/heartbeat/deregister protocol: it polls an
// orchestrator's HTTP API for queued JSON-RPC requests, executes them
// against a local provider, and reports a JSON-RPC response back.
// Grounded on the donor's pkg/execution/remote_worker.go RemoteWorker
// (registerWorker, heartbeatLoop, workLoop/processWork, claimWork),
// adapted from the donor's bearer-token workflow-step protocol to this
// orchestrator's provider dispatch protocol.
package workerclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gleitzeit/gleitzeit/pkg/jsonrpc"
	"github.com/gleitzeit/gleitzeit/pkg/rpcerr"
)

// Dispatcher executes a claimed work item's method against a local
// provider. cmd/gleitzeit's providerDispatcher adapts a single in-process
// provider's HandleRequest to it. The method carries no protocol id,
// unlike pkg/provider's protocol-ID-keyed dispatch, because a worker only
// ever deals with the single protocol its Broker endpoint was registered
// under.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

// Client polls serverURL's remote-worker endpoints and executes claimed
// work through a Dispatcher.
type Client struct {
	serverURL   string
	workerID    string
	concurrency int
	pollEvery   time.Duration
	dispatcher  Dispatcher
	httpClient  *http.Client
}

func New(serverURL, workerID string, concurrency int, dispatcher Dispatcher) *Client {
	if workerID == "" {
		workerID = generateWorkerID()
	}
	return &Client{
		serverURL:   serverURL,
		workerID:    workerID,
		concurrency: concurrency,
		pollEvery:   5 * time.Second,
		dispatcher:  dispatcher,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

func generateWorkerID() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("worker-%d", time.Now().Unix())
	}
	return "worker-" + hex.EncodeToString(b)
}

// Run registers the worker, starts a heartbeat loop, and polls for work
// until ctx is cancelled, at which point it deregisters.
func (c *Client) Run(ctx context.Context) error {
	log.Printf("worker %s connecting to %s", c.workerID, c.serverURL)

	go c.heartbeatLoop(ctx)

	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	if err := c.pollOnce(ctx); err != nil {
		log.Printf("worker %s: initial poll error: %v", c.workerID, err)
	}
	for {
		select {
		case <-ctx.Done():
			c.deregister(context.Background())
			return nil
		case <-ticker.C:
			if err := c.pollOnce(ctx); err != nil {
				log.Printf("worker %s: poll error: %v", c.workerID, err)
			}
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.heartbeat(ctx); err != nil {
				log.Printf("worker %s: heartbeat failed: %v", c.workerID, err)
			}
		}
	}
}

func (c *Client) heartbeat(ctx context.Context) error {
	url := fmt.Sprintf("%s/workers/%s/heartbeat", c.serverURL, c.workerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat failed with status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) deregister(ctx context.Context) {
	url := fmt.Sprintf("%s/workers/%s", c.serverURL, c.workerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("worker %s: deregister failed: %v", c.workerID, err)
		return
	}
	resp.Body.Close()
}

func (c *Client) pollOnce(ctx context.Context) error {
	items, err := c.claimWork(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		c.processItem(ctx, item)
	}
	return nil
}

func (c *Client) claimWork(ctx context.Context) ([]jsonrpc.Request, error) {
	url := fmt.Sprintf("%s/workers/%s/claim-work?max_items=%d", c.serverURL, c.workerID, c.concurrency)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("claim-work failed with status %d", resp.StatusCode)
	}
	var items []jsonrpc.Request
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) processItem(ctx context.Context, item jsonrpc.Request) {
	result, dispatchErr := c.dispatcher.Dispatch(ctx, item.Method, item.Params)

	var body jsonrpc.Response
	if dispatchErr != nil {
		rerr, ok := dispatchErr.(*rpcerr.Error)
		if !ok {
			rerr = rpcerr.New(rpcerr.SystemFailure, rpcerr.CategorySystem, dispatchErr.Error())
		}
		body = jsonrpc.ErrorFromRPCErr(item.ID, rerr)
	} else {
		body = jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: item.ID, Result: result}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		log.Printf("worker %s: marshal complete-work body for %s: %v", c.workerID, item.ID, err)
		return
	}

	url := fmt.Sprintf("%s/workers/%s/complete-work/%s", c.serverURL, c.workerID, item.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Printf("worker %s: build complete-work request for %s: %v", c.workerID, item.ID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("worker %s: complete-work for %s failed: %v", c.workerID, item.ID, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		log.Printf("worker %s: complete-work for %s got status %d: %s", c.workerID, item.ID, resp.StatusCode, string(b))
	}
}
