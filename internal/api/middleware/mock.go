// Package middleware provides HTTP middleware components for the mirage API.
package middleware

import (
	"context"

	"github.com/mirage-run/mirage/internal/store"
)

// MockAPIKeyStore is a mock implementation of APIKeyStore for testing.
type MockAPIKeyStore struct {
	FindAPIKeyByKeyFunc func(ctx context.Context, key string) (*store.APIKey, bool)
}

// FindAPIKeyByKey implements APIKeyStore.
func (m *MockAPIKeyStore) FindAPIKeyByKey(ctx context.Context, key string) (*store.APIKey, bool) {
	if m.FindAPIKeyByKeyFunc != nil {
		return m.FindAPIKeyByKeyFunc(ctx, key)
	}

	return nil, false
}
