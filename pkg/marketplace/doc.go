// Package marketplace implements the extension lifecycle and access-control engine.
//
// # Overview
//
// Users submit extensions, administrators moderate them and consumers browse and
// download them. The package decides who may view, modify, publish, feature or
// download an extension, applies state transitions and validates listing pages.
// Persistence, tag parsing and repository metadata are injected collaborators.
//
// # Visibility
//
// View rules are evaluated in order and the first match wins:
//
//  1. Owner inactive: only administrators may view.
//  2. Pending: only the owner and administrators may view.
//  3. Otherwise anyone may view, including anonymous requesters.
//
// An extension may be modified by its owner or by an administrator.
//
// # Usage Example
//
//	svc := marketplace.NewService(store, store, tags.NewResolver(), gh,
//		marketplace.WithLogger(logger),
//		marketplace.WithPaginator(marketplace.NewPaginator(marketplace.SupportedSortKeys, 100)),
//	)
//
//	view, err := svc.Create(ctx, marketplace.ExtensionSpec{
//		Name:    "formatter",
//		Version: "1.0.0",
//		Github:  "https://github.com/acme/formatter",
//		Tags:    "lint, Code Style",
//	}, actorID)
//
//	page, err := svc.FindAll(ctx, "form", "downloads", 1, 10)
//
// Errors carry one of the kinds ErrNotFound, ErrUnauthorized, ErrUnavailable,
// ErrInvalidState or ErrInvalidParameter and are matched with errors.Is.
//
// # Related Packages
//
//   - pkg/storage/memory, pkg/storage/postgres: ExtensionStore implementations
//   - pkg/tags: TagResolver
//   - pkg/github: MetadataResolver
//   - pkg/middleware: actor resolution for the HTTP handlers
package marketplace
