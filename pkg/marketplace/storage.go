package marketplace

import (
	"context"
	"io"
)

// Flag selects extensions by a boolean state
type Flag int

const (
	FlagPending Flag = iota + 1
	FlagFeatured
	FlagPublished
)

func (f Flag) String() string {
	switch f {
	case FlagPending:
		return "pending"
	case FlagFeatured:
		return "featured"
	case FlagPublished:
		return "published"
	default:
		return "unknown"
	}
}

// ExtensionStore persists extensions. Returned extensions carry their resolved owner.
type ExtensionStore interface {
	// Get returns the extension and whether it exists
	Get(ctx context.Context, id int64) (Extension, bool, error)

	// Save inserts an extension with a zero ID or replaces an existing one,
	// returning the stored value
	Save(ctx context.Context, ext Extension) (Extension, error)

	// Delete removes an extension
	Delete(ctx context.Context, ext Extension) error

	// CountMatching counts listed extensions whose name contains nameFilter
	CountMatching(ctx context.Context, nameFilter string) (int64, error)

	// ListMatching returns one page of listed extensions whose name contains nameFilter
	ListMatching(ctx context.Context, nameFilter string, sortKey SortKey, offset, limit int) ([]Extension, error)

	// ListWhere returns every extension with the flag set
	ListWhere(ctx context.Context, flag Flag) ([]Extension, error)
}

// DownloadIncrementer is implemented by stores that can bump the download counter atomically
type DownloadIncrementer interface {
	IncrementDownloads(ctx context.Context, id int64) (Extension, error)
}

// ActorStore looks up actors
type ActorStore interface {
	GetActor(ctx context.Context, id int64) (Actor, bool, error)
}

// TagResolver turns a raw delimited tag string into normalized tags
type TagResolver interface {
	Resolve(raw string) []Tag
}

// MetadataResolver fetches a repository metadata snapshot for a link
type MetadataResolver interface {
	Resolve(ctx context.Context, link string) (RepositoryMetadata, error)
}

// MetadataRefresher is implemented by resolvers that cache snapshots. Refresh
// bypasses the cache and always fetches the current metadata.
type MetadataRefresher interface {
	Refresh(ctx context.Context, link string) (RepositoryMetadata, error)
}

// ArtifactStore holds uploaded extension packages
type ArtifactStore interface {
	// Put stores the package for an extension and describes what was stored
	Put(ctx context.Context, extensionID int64, content io.Reader, contentType string) (Artifact, error)

	// Open returns the package contents; callers close the reader
	Open(ctx context.Context, artifact Artifact) (io.ReadCloser, error)

	// Delete removes the package
	Delete(ctx context.Context, artifact Artifact) error
}
