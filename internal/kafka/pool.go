package kafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the subset of *kgo.Client used for publishing.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Pool holds named cluster configurations and shares one producer client
// per cluster between the stream sink and the error stream.
type Pool struct {
	mu       sync.Mutex
	clusters map[string]*ClusterConfig
	clients  map[string]*kgo.Client
}

// NewPool validates the clusters and returns a pool. Clients are created
// lazily on first use.
func NewPool(clusters map[string]ClusterConfig) (*Pool, error) {
	p := &Pool{
		clusters: make(map[string]*ClusterConfig, len(clusters)),
		clients:  make(map[string]*kgo.Client),
	}
	for name, cfg := range clusters {
		cfgCopy := cfg
		if err := cfgCopy.Validate(); err != nil {
			return nil, fmt.Errorf("cluster %q: %w", name, err)
		}
		cfgCopy.Name = name
		p.clusters[name] = &cfgCopy
	}
	return p, nil
}

// Cluster returns the configuration of a named cluster.
func (p *Pool) Cluster(name string) (*ClusterConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg, ok := p.clusters[name]
	return cfg, ok
}

// Producer returns the shared producer client of a named cluster.
func (p *Pool) Producer(name string) (Producer, error) {
	client, err := p.client(name)
	if err != nil {
		return nil, err
	}
	return sharedProducer{client}, nil
}

// Admin returns an admin client backed by the shared client of a named
// cluster. Callers must not Close it.
func (p *Pool) Admin(name string) (*kadm.Client, error) {
	client, err := p.client(name)
	if err != nil {
		return nil, err
	}
	return kadm.NewClient(client), nil
}

func (p *Pool) client(name string) (*kgo.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[name]; ok {
		return client, nil
	}

	cfg, ok := p.clusters[name]
	if !ok {
		return nil, fmt.Errorf("cluster %q not configured", name)
	}
	opts, err := ClientOptions(cfg)
	if err != nil {
		return nil, fmt.Errorf("cluster %q options: %w", name, err)
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("cluster %q client: %w", name, err)
	}
	p.clients[name] = client
	return client, nil
}

// Close closes every client created by the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, client := range p.clients {
		client.Close()
		delete(p.clients, name)
	}
	return nil
}

// sharedProducer leaves client lifecycle to the pool.
type sharedProducer struct {
	*kgo.Client
}

func (sharedProducer) Close() {}
