// Package storage provides pluggable persistence backends for plughub.
//
// # Overview
//
// The marketplace core depends on small interfaces (ExtensionStore, ActorStore,
// ArtifactStore). This package groups the implementations:
//
//   - storage/memory: in-process maps, used in development and tests
//   - storage/postgres: PostgreSQL records, a Redis read-through cache and S3 packages
//   - FileSystemArtifactStore: extension packages on local disk
//
// # Backend Selection
//
//	var backend storage.Backend
//	switch cfg.Storage.Type {
//	case "memory":
//		backend = memory.New()
//	case "postgres":
//		backend = postgres.NewStore(db)
//	}
//
// Artifact keys are stable across backends, see ArtifactKey.
package storage
