// Package etcd provides a durable StateStore backed by etcd. Record versions
// map to etcd mod revisions, so compare-and-swap translates directly to an
// etcd transaction and survives process restarts and multi-node deployments.
package etcd

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hupe1980/taskmesh/core"
)

// Config holds the connection settings for the etcd backend.
type Config struct {
	// Endpoints lists the etcd cluster endpoints, e.g. ["localhost:2379"].
	Endpoints []string
	// DialTimeout bounds the initial connection attempt.
	DialTimeout time.Duration
	// Prefix namespaces all keys written by this store.
	Prefix string
}

// Store is an etcd-backed core.StateStore.
type Store struct {
	client *clientv3.Client
	prefix string
}

// New connects to etcd and returns a Store.
func New(cfg Config) (*Store, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return &Store{client: client, prefix: cfg.Prefix}, nil
}

// NewWithClient wraps an existing etcd client.
func NewWithClient(client *clientv3.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

// Close releases the underlying etcd client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(key string) string { return s.prefix + key }

// Get returns the record and whether it exists.
func (s *Store) Get(ctx context.Context, key string) (core.Record, bool, error) {
	resp, err := s.client.Get(ctx, s.key(key))
	if err != nil {
		return core.Record{}, false, fmt.Errorf("etcd get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return core.Record{}, false, nil
	}
	kv := resp.Kvs[0]
	return core.Record{Key: key, Value: kv.Value, Version: kv.ModRevision}, true, nil
}

// Put writes the value unconditionally, returning the new version. A ttl > 0
// attaches an etcd lease that expires the record.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	opts, err := s.leaseOpts(ctx, ttl)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Put(ctx, s.key(key), string(value), opts...)
	if err != nil {
		return 0, fmt.Errorf("etcd put %s: %w", key, err)
	}
	return resp.Header.Revision, nil
}

// CompareAndSwap writes the value only when the record's mod revision equals
// expectedVersion. expectedVersion 0 means create-if-absent. Returns
// core.ErrVersionMismatch on concurrent modification.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value []byte) (int64, error) {
	k := s.key(key)
	var cmp clientv3.Cmp
	if expectedVersion == 0 {
		// CreateRevision 0 means the key does not exist yet.
		cmp = clientv3.Compare(clientv3.CreateRevision(k), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.ModRevision(k), "=", expectedVersion)
	}
	resp, err := s.client.Txn(ctx).
		If(cmp).
		Then(clientv3.OpPut(k, string(value))).
		Commit()
	if err != nil {
		return 0, fmt.Errorf("etcd cas %s: %w", key, err)
	}
	if !resp.Succeeded {
		return 0, core.ErrVersionMismatch
	}
	return resp.Header.Revision, nil
}

// Delete removes the record. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.client.Delete(ctx, s.key(key)); err != nil {
		return fmt.Errorf("etcd delete %s: %w", key, err)
	}
	return nil
}

// List returns all live records whose keys start with prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]core.Record, error) {
	resp, err := s.client.Get(ctx, s.key(prefix), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd list %s: %w", prefix, err)
	}
	records := make([]core.Record, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		records = append(records, core.Record{
			Key:     string(kv.Key[len(s.prefix):]),
			Value:   kv.Value,
			Version: kv.ModRevision,
		})
	}
	return records, nil
}

func (s *Store) leaseOpts(ctx context.Context, ttl time.Duration) ([]clientv3.OpOption, error) {
	if ttl <= 0 {
		return nil, nil
	}
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	lease, err := s.client.Grant(ctx, seconds)
	if err != nil {
		return nil, fmt.Errorf("etcd lease grant: %w", err)
	}
	return []clientv3.OpOption{clientv3.WithLease(lease.ID)}, nil
}
