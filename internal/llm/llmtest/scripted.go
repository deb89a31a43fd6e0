// Package llmtest provides a deterministic scripted model client for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"buildtriage/backend/internal/llm"
)

// Response configures one scripted completion turn.
type Response struct {
	Text string
	Err  error
}

// ScriptedClient replays a fixed sequence of responses. It is safe for
// concurrent use and fails loudly when the script runs out.
type ScriptedClient struct {
	mu        sync.Mutex
	index     int
	responses []Response
}

var _ llm.Client = (*ScriptedClient)(nil)

// NewScriptedClient builds a client that replays responses in order.
func NewScriptedClient(responses ...Response) *ScriptedClient {
	cloned := make([]Response, len(responses))
	copy(cloned, responses)
	return &ScriptedClient{responses: cloned}
}

// Complete returns the next scripted response.
func (c *ScriptedClient) Complete(_ context.Context, _ string, _ llm.Options) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.index >= len(c.responses) {
		return "", fmt.Errorf("script exhausted at turn %d", c.index+1)
	}
	current := c.responses[c.index]
	c.index++
	if current.Err != nil {
		return "", current.Err
	}
	return current.Text, nil
}

// Calls reports how many completions were served.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}
