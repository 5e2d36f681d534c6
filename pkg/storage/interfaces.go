package storage

import (
	"context"

	"github.com/platinummonkey/plughub/pkg/marketplace"
)

// Backend is a complete persistence backend for the marketplace
type Backend interface {
	marketplace.ExtensionStore
	marketplace.ActorStore
}

// HealthChecker is implemented by backends that depend on external services
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

var (
	_ marketplace.ArtifactStore = (*FileSystemArtifactStore)(nil)
)
