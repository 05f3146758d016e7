package etcd

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/songzhibin97/edgegate/pkg/config"
)

// EtcdSource implements the config.Source interface for a routing document
// stored under a single etcd key.
type EtcdSource struct {
	client   *clientv3.Client
	key      string
	timeout  time.Duration
	mu       sync.RWMutex
	watchers map[int]context.CancelFunc
	nextID   int
	closed   bool
}

// EtcdConfig holds the client settings. Timeout bounds both dialing and
// each read; five seconds when unset.
type EtcdConfig struct {
	Endpoints []string      `yaml:"endpoints"`
	Timeout   time.Duration `yaml:"timeout"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
}

// NewEtcdSource dials the cluster and probes the first endpoint before
// returning, so a misconfigured cluster fails at startup.
func NewEtcdSource(cfg *EtcdConfig, key string) (config.Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("etcd config cannot be nil")
	}
	if key == "" {
		return nil, fmt.Errorf("etcd key cannot be empty")
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints cannot be empty")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	clientConfig := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: timeout,
	}
	if cfg.Username != "" {
		clientConfig.Username = cfg.Username
		clientConfig.Password = cfg.Password
	}

	client, err := clientv3.New(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	return &EtcdSource{
		client:   client,
		key:      key,
		timeout:  timeout,
		watchers: make(map[int]context.CancelFunc),
	}, nil
}

// Name implements config.Named.
func (es *EtcdSource) Name() string {
	return "etcd:" + es.key
}

// Get reads the latest value of the key.
func (es *EtcdSource) Get() ([]byte, error) {
	es.mu.RLock()
	closed := es.closed
	es.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("etcd source is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), es.timeout)
	defer cancel()

	resp, err := es.client.Get(ctx, es.key)
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s from etcd: %w", es.key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("key %s not found in etcd", es.key)
	}

	return resp.Kvs[0].Value, nil
}

// Watch sends the current document and then every new revision of the key.
// Deletions are ignored so the running configuration survives them.
func (es *EtcdSource) Watch(ctx context.Context) (<-chan []byte, error) {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.closed {
		return nil, fmt.Errorf("etcd source is closed")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	id := es.nextID
	es.nextID++
	es.watchers[id] = cancel

	ch := make(chan []byte, 1)

	go func() {
		defer func() {
			es.mu.Lock()
			delete(es.watchers, id)
			es.mu.Unlock()
			close(ch)
		}()

		var revision int64
		ctxGet, cancelGet := context.WithTimeout(watchCtx, es.timeout)
		resp, err := es.client.Get(ctxGet, es.key)
		cancelGet()
		if err == nil {
			revision = resp.Header.Revision
			if len(resp.Kvs) > 0 {
				select {
				case ch <- resp.Kvs[0].Value:
				case <-watchCtx.Done():
					return
				}
			}
		}

		for {
			opts := []clientv3.OpOption{}
			if revision > 0 {
				opts = append(opts, clientv3.WithRev(revision+1))
			}
			watchCh := es.client.Watch(watchCtx, es.key, opts...)

			for watchResp := range watchCh {
				if watchResp.Err() != nil {
					break
				}
				revision = watchResp.Header.Revision
				for _, event := range watchResp.Events {
					if event.Type != clientv3.EventTypePut || string(event.Kv.Key) != es.key {
						continue
					}
					select {
					case ch <- event.Kv.Value:
					case <-watchCtx.Done():
						return
					}
				}
			}

			select {
			case <-watchCtx.Done():
				return
			case <-time.After(time.Second):
				// compacted or disconnected; resume from the latest revision
			}
		}
	}()

	return ch, nil
}

// Close cancels running watches and releases the client.
func (es *EtcdSource) Close() error {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.closed {
		return nil
	}
	es.closed = true

	for _, cancel := range es.watchers {
		cancel()
	}

	if es.client != nil {
		return es.client.Close()
	}
	return nil
}
