package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// MultiClient routes each model to the provider registered for it.
// Models without a route go to the default client. An optional failover
// provider answers when the routed provider returns an error.
type MultiClient struct {
	clients map[string]Client // provider name -> client
	models  map[string]string // model name -> provider name
	def     Client

	failoverProvider string
	failoverModel    string
}

// NewMultiClient creates a router whose unrouted models go to def.
func NewMultiClient(def Client) *MultiClient {
	return &MultiClient{
		clients: make(map[string]Client),
		models:  make(map[string]string),
		def:     def,
	}
}

// AddProvider registers client under a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel routes modelName to providerName.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// SetFailover names the provider and model tried after the routed
// provider fails. The provider must also be registered with
// [MultiClient.AddProvider].
func (m *MultiClient) SetFailover(provider, model string) {
	m.failoverProvider = provider
	m.failoverModel = model
}

// Providers returns the registered provider names, sorted.
func (m *MultiClient) Providers() []string {
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *MultiClient) route(model string) Client {
	if name, ok := m.models[model]; ok {
		if c, ok := m.clients[name]; ok {
			return c
		}
	}
	return m.def
}

func (m *MultiClient) failover() Client {
	if m.failoverProvider == "" {
		return nil
	}
	return m.clients[m.failoverProvider]
}

// Chat sends the conversation to the provider routed for model. If that
// fails and a distinct failover provider is set, the failover answers
// with its own model. A cancelled ctx never fails over.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, opts Options) (*ChatResponse, error) {
	client := m.route(model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	resp, err := client.Chat(ctx, model, messages, opts)
	if err == nil || ctx.Err() != nil {
		return resp, err
	}

	alt := m.failover()
	if alt == nil || alt == client {
		return nil, err
	}
	resp, altErr := alt.Chat(ctx, m.failoverModel, messages, opts)
	if altErr != nil {
		return nil, errors.Join(err, fmt.Errorf("failover %s: %w", m.failoverProvider, altErr))
	}
	return resp, nil
}

// Ping succeeds if the default provider or the failover is reachable.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.def == nil {
		return errors.New("no default provider configured")
	}
	err := m.def.Ping(ctx)
	if err == nil {
		return nil
	}
	if alt := m.failover(); alt != nil && alt != m.def && alt.Ping(ctx) == nil {
		return nil
	}
	return err
}
