// Package memory provides an in-process extension and actor store for
// development mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/platinummonkey/plughub/pkg/marketplace"
)

// Store keeps extensions and actors in maps guarded by a RWMutex.
// Extensions are stored with only the owner id; the owner is joined on read so
// actor changes are visible immediately.
type Store struct {
	mu         sync.RWMutex
	nextID     int64
	extensions map[int64]marketplace.Extension
	actors     map[int64]marketplace.Actor
}

// New creates an empty store
func New() *Store {
	return &Store{
		extensions: make(map[int64]marketplace.Extension),
		actors:     make(map[int64]marketplace.Actor),
	}
}

// PutActor inserts or replaces an actor
func (s *Store) PutActor(a marketplace.Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actors[a.ID] = a
}

// GetActor implements marketplace.ActorStore
func (s *Store) GetActor(_ context.Context, id int64) (marketplace.Actor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actors[id]
	return a, ok, nil
}

// Get implements marketplace.ExtensionStore
func (s *Store) Get(_ context.Context, id int64) (marketplace.Extension, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ext, ok := s.extensions[id]
	if !ok {
		return marketplace.Extension{}, false, nil
	}
	return s.join(ext), true, nil
}

// Save implements marketplace.ExtensionStore
func (s *Store) Save(_ context.Context, ext marketplace.Extension) (marketplace.Extension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.actors[ext.Owner.ID]; !ok {
		return marketplace.Extension{}, fmt.Errorf("owner %d does not exist", ext.Owner.ID)
	}

	if ext.ID == 0 {
		s.nextID++
		ext.ID = s.nextID
	} else if _, ok := s.extensions[ext.ID]; !ok {
		return marketplace.Extension{}, fmt.Errorf("extension %d does not exist", ext.ID)
	}

	stored := copyExtension(ext)
	stored.Owner = marketplace.Actor{ID: ext.Owner.ID}
	s.extensions[ext.ID] = stored
	return s.join(stored), nil
}

// Delete implements marketplace.ExtensionStore
func (s *Store) Delete(_ context.Context, ext marketplace.Extension) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.extensions, ext.ID)
	return nil
}

// IncrementDownloads implements marketplace.DownloadIncrementer
func (s *Store) IncrementDownloads(_ context.Context, id int64) (marketplace.Extension, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ext, ok := s.extensions[id]
	if !ok {
		return marketplace.Extension{}, fmt.Errorf("%w: extension %d", marketplace.ErrNotFound, id)
	}
	ext.TimesDownloaded++
	s.extensions[id] = ext
	return s.join(ext), nil
}

// CountMatching implements marketplace.ExtensionStore
func (s *Store) CountMatching(_ context.Context, nameFilter string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.listed(nameFilter))), nil
}

// ListMatching implements marketplace.ExtensionStore
func (s *Store) ListMatching(_ context.Context, nameFilter string, sortKey marketplace.SortKey, offset, limit int) ([]marketplace.Extension, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.listed(nameFilter)
	less, err := lessFunc(sortKey)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(matched, func(i, j int) bool { return less(matched[i], matched[j]) })

	if offset >= len(matched) {
		return []marketplace.Extension{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// ListWhere implements marketplace.ExtensionStore
func (s *Store) ListWhere(_ context.Context, flag marketplace.Flag) ([]marketplace.Extension, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keep func(marketplace.Extension) bool
	switch flag {
	case marketplace.FlagPending:
		keep = func(e marketplace.Extension) bool { return e.Pending }
	case marketplace.FlagFeatured:
		keep = func(e marketplace.Extension) bool { return e.Featured }
	case marketplace.FlagPublished:
		keep = func(e marketplace.Extension) bool { return !e.Pending }
	default:
		return nil, fmt.Errorf("unsupported flag: %s", flag)
	}

	out := make([]marketplace.Extension, 0)
	for _, ext := range s.extensions {
		if keep(ext) {
			out = append(out, s.join(ext))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// listed returns published extensions of active owners whose name contains the
// filter, case-insensitively. Callers hold the read lock.
func (s *Store) listed(nameFilter string) []marketplace.Extension {
	filter := strings.ToLower(nameFilter)
	out := make([]marketplace.Extension, 0)
	for _, ext := range s.extensions {
		if ext.Pending {
			continue
		}
		joined := s.join(ext)
		if !joined.Owner.Active {
			continue
		}
		if filter != "" && !strings.Contains(strings.ToLower(joined.Name), filter) {
			continue
		}
		out = append(out, joined)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) join(ext marketplace.Extension) marketplace.Extension {
	out := copyExtension(ext)
	if owner, ok := s.actors[ext.Owner.ID]; ok {
		out.Owner = owner
	}
	return out
}

func copyExtension(ext marketplace.Extension) marketplace.Extension {
	out := ext
	out.Tags = append([]marketplace.Tag(nil), ext.Tags...)
	if ext.Metadata != nil {
		m := *ext.Metadata
		out.Metadata = &m
	}
	if ext.Artifact != nil {
		a := *ext.Artifact
		out.Artifact = &a
	}
	return out
}

func lessFunc(key marketplace.SortKey) (func(a, b marketplace.Extension) bool, error) {
	switch key {
	case marketplace.SortByName:
		return func(a, b marketplace.Extension) bool {
			return strings.ToLower(a.Name) < strings.ToLower(b.Name)
		}, nil
	case marketplace.SortByDate:
		return func(a, b marketplace.Extension) bool { return a.UploadDate.After(b.UploadDate) }, nil
	case marketplace.SortByDownloads:
		return func(a, b marketplace.Extension) bool { return a.TimesDownloaded > b.TimesDownloaded }, nil
	case marketplace.SortByCommits:
		return func(a, b marketplace.Extension) bool { return lastCommit(a) > lastCommit(b) }, nil
	default:
		return nil, fmt.Errorf("%w: unknown sort key %q", marketplace.ErrInvalidParameter, key)
	}
}

func lastCommit(e marketplace.Extension) int64 {
	if e.Metadata == nil || e.Metadata.LastCommit.IsZero() {
		return 0
	}
	return e.Metadata.LastCommit.UnixNano()
}
