// Package config loads plughub configuration from PLUGHUB_* environment
// variables, with an optional YAML file for the marketplace policy.
//
// # Environment
//
// Server:
//
//	PLUGHUB_HOST="0.0.0.0"
//	PLUGHUB_PORT="8080"
//	PLUGHUB_HEALTH_PORT="9090"
//
// Storage:
//
//	PLUGHUB_STORAGE_TYPE="postgres"  # memory, postgres
//	PLUGHUB_POSTGRES_URL="postgres://localhost/plughub?sslmode=disable"
//	PLUGHUB_POSTGRES_REPLICA_URLS="postgres://replica1/plughub,postgres://replica2/plughub"
//	PLUGHUB_REDIS_URL="redis://localhost:6379"  # enables the read-through cache
//	PLUGHUB_ARTIFACT_TYPE="s3"  # none, filesystem, s3
//	PLUGHUB_S3_BUCKET="plughub-packages"
//
// GitHub metadata:
//
//	PLUGHUB_GITHUB_TOKEN="ghp_..."
//	PLUGHUB_GITHUB_CACHE_TTL="10m"
//
// Observability:
//
//	PLUGHUB_LOG_LEVEL="info"  # trace, debug, info, warn, error
//	PLUGHUB_LOG_FORMAT="json"  # json, text
//	PLUGHUB_OTEL_ENABLED="true"
//	PLUGHUB_OTEL_ENDPOINT="otel-collector:4317"
//
// # YAML file
//
// PLUGHUB_CONFIG_FILE names a file that overlays the listing policy, the
// refresh schedule and the actors seeded at startup:
//
//	marketplace:
//	  sort_keys: [name, date, downloads, commits]
//	  default_per_page: 10
//	  max_per_page: 100
//	  publish_commands: {on: publish, off: unpublish}
//	  feature_commands: {on: feature, off: unfeature}
//	refresher:
//	  schedule: "@every 6h"
//	actors:
//	  - {id: 1, username: admin, role: ROLE_ADMIN}
package config
