// Package llmgateway selects a concrete model.Client for a requested model
// class or name, fronting the provider adapters in features/model/*.
package llmgateway

import (
	"context"
	"fmt"

	"github.com/agentrun/engine/runtime/agent/model"
)

// Gateway routes requests to the provider adapter registered for a model
// class, matching spec.md §6's "async function taking a message list, model
// name, ... options" collaborator shape while staying a thin façade over the
// existing model.Client adapters (features/model/{anthropic,openai,bedrock}).
type Gateway struct {
	byClass map[model.ModelClass]model.Client
	byModel map[string]model.Client
	fallback model.Client
}

// New returns an empty Gateway. Register adapters with RegisterClass and
// RegisterModel before use.
func New() *Gateway {
	return &Gateway{
		byClass: make(map[model.ModelClass]model.Client),
		byModel: make(map[string]model.Client),
	}
}

// RegisterClass binds a model.Client to a ModelClass, used when a Request
// specifies ModelClass instead of a concrete Model name.
func (g *Gateway) RegisterClass(class model.ModelClass, client model.Client) {
	g.byClass[class] = client
}

// RegisterModel binds a model.Client to a concrete provider model name.
func (g *Gateway) RegisterModel(name string, client model.Client) {
	g.byModel[name] = client
}

// SetFallback sets the client used when no specific binding matches.
func (g *Gateway) SetFallback(client model.Client) {
	g.fallback = client
}

func (g *Gateway) resolve(req *model.Request) (model.Client, error) {
	if req.Model != "" {
		if c, ok := g.byModel[req.Model]; ok {
			return c, nil
		}
	}
	if req.ModelClass != "" {
		if c, ok := g.byClass[req.ModelClass]; ok {
			return c, nil
		}
	}
	if g.fallback != nil {
		return g.fallback, nil
	}
	return nil, fmt.Errorf("llmgateway: no client registered for model %q class %q", req.Model, req.ModelClass)
}

// Complete implements model.Client by delegating to the resolved adapter.
func (g *Gateway) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	client, err := g.resolve(req)
	if err != nil {
		return nil, err
	}
	return client.Complete(ctx, req)
}

// Stream implements model.Client by delegating to the resolved adapter.
func (g *Gateway) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	client, err := g.resolve(req)
	if err != nil {
		return nil, err
	}
	return client.Stream(ctx, req)
}

var _ model.Client = (*Gateway)(nil)
