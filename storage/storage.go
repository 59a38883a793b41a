// Package storage persists instance bytes behind a put/get/list contract,
// with a filesystem backend for local deployments and an S3 backend for
// object-store deployments.
package storage

import "context"

// Backend is the storage contract the StoreSCP orchestrator writes instances
// through and WADO-RS reads them back through. Implementations must treat
// key as an opaque path component, not assume any particular hierarchy.
type Backend interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}
