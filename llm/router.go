package llm

import (
	"context"
	"errors"
)

// RoutePolicy decides which client/model to use for a given request.
type RoutePolicy interface {
	// Select returns the target client and optional model override.
	Select(req *ChatRequest) (Client, string, error)
}

// StaticPolicy routes by req.Model if present, otherwise uses Default.
type StaticPolicy struct {
	Default Client
	ByModel map[string]Client
}

// Select picks a client based on explicit model or defaults.
func (p StaticPolicy) Select(req *ChatRequest) (Client, string, error) {
	if req != nil && req.Model != "" {
		if c, ok := p.ByModel[req.Model]; ok && c != nil {
			return c, req.Model, nil
		}
		if p.Default != nil {
			return p.Default, req.Model, nil
		}
		return nil, "", errors.New("no default client configured")
	}
	if p.Default == nil {
		return nil, "", errors.New("no default client configured")
	}
	return p.Default, "", nil
}

// RouterClient implements Client and delegates via RoutePolicy. It is
// the model-selector surface handed to turn admission.
type RouterClient struct {
	policy RoutePolicy
}

// NewRouterClient creates a router client with the given policy.
func NewRouterClient(policy RoutePolicy) *RouterClient {
	return &RouterClient{policy: policy}
}

// Chat delegates to the selected client.
func (r *RouterClient) Chat(ctx context.Context, req *ChatRequest) (*Response, error) {
	c, req, err := r.route(req)
	if err != nil {
		return nil, err
	}
	return c.Chat(ctx, req)
}

// Completion delegates to default selection.
func (r *RouterClient) Completion(ctx context.Context, prompt string) (*Response, error) {
	c, _, err := r.policy.Select(&ChatRequest{})
	if err != nil {
		return nil, err
	}
	return c.Completion(ctx, prompt)
}

// StreamTurn delegates to the selected client. Selection errors are
// reported as an unknown fault so callers see a uniform result shape.
func (r *RouterClient) StreamTurn(ctx context.Context, req *ChatRequest, onDelta func(Delta)) *StreamResult {
	c, req, err := r.route(req)
	if err != nil {
		return &StreamResult{Fault: &Fault{Kind: FaultUnknown, Cause: err}}
	}
	return c.StreamTurn(ctx, req, onDelta)
}

// Model returns an identifier for this client.
func (r *RouterClient) Model() string { return "router" }

func (r *RouterClient) route(req *ChatRequest) (Client, *ChatRequest, error) {
	c, modelOverride, err := r.policy.Select(req)
	if err != nil {
		return nil, nil, err
	}
	if modelOverride != "" && req != nil && req.Model != modelOverride {
		// Shallow clone to avoid mutating caller's struct
		clone := *req
		clone.Model = modelOverride
		req = &clone
	}
	return c, req, nil
}
