package marketplace

import "fmt"

// SortKey selects the ordering of the public listing
type SortKey string

const (
	SortByName      SortKey = "name"
	SortByDate      SortKey = "date"
	SortByDownloads SortKey = "downloads"
	SortByCommits   SortKey = "commits"
)

// SupportedSortKeys are the orderings every store implements
var SupportedSortKeys = []SortKey{SortByName, SortByDate, SortByDownloads, SortByCommits}

// IsSupportedSortKey reports whether stores know how to order by key
func IsSupportedSortKey(key SortKey) bool {
	for _, k := range SupportedSortKeys {
		if k == key {
			return true
		}
	}
	return false
}

// PageBounds is the validated slice of the listing to fetch
type PageBounds struct {
	SortKey    SortKey
	Page       int
	Offset     int
	Limit      int
	TotalPages int
}

// Empty reports whether there is nothing to fetch
func (b PageBounds) Empty() bool {
	return b.Limit == 0
}

// Paginator validates listing parameters against an injected set of sort keys
type Paginator struct {
	sortKeys   map[SortKey]struct{}
	maxPerPage int
}

// NewPaginator returns a paginator accepting the given sort keys.
// A maxPerPage of zero disables the page size cap.
func NewPaginator(sortKeys []SortKey, maxPerPage int) Paginator {
	keys := make(map[SortKey]struct{}, len(sortKeys))
	for _, k := range sortKeys {
		keys[k] = struct{}{}
	}
	return Paginator{sortKeys: keys, maxPerPage: maxPerPage}
}

// ValidateSortKey checks key against the allowed set
func (p Paginator) ValidateSortKey(key string) (SortKey, error) {
	if _, ok := p.sortKeys[SortKey(key)]; !ok {
		return "", fmt.Errorf("%w: unknown sort key %q", ErrInvalidParameter, key)
	}
	return SortKey(key), nil
}

// Bounds computes the offset and limit for a 1-based page.
//
// An empty listing accepts any page and yields empty bounds; a non-empty listing
// rejects pages past the last one.
func (p Paginator) Bounds(totalResults int64, page, perPage int) (PageBounds, error) {
	if perPage <= 0 {
		return PageBounds{}, fmt.Errorf("%w: page size must be positive, got %d", ErrInvalidParameter, perPage)
	}
	if p.maxPerPage > 0 && perPage > p.maxPerPage {
		return PageBounds{}, fmt.Errorf("%w: page size %d exceeds maximum %d", ErrInvalidParameter, perPage, p.maxPerPage)
	}

	if totalResults == 0 {
		return PageBounds{Page: page}, nil
	}

	totalPages := int((totalResults + int64(perPage) - 1) / int64(perPage))
	if page < 1 || page > totalPages {
		return PageBounds{}, fmt.Errorf("%w: page %d out of range, total pages %d", ErrInvalidParameter, page, totalPages)
	}

	return PageBounds{
		Page:       page,
		Offset:     (page - 1) * perPage,
		Limit:      perPage,
		TotalPages: totalPages,
	}, nil
}

// Paginate validates the sort key and the page together. The sort key is checked
// first so an unknown key is reported even when the page is out of range.
func (p Paginator) Paginate(totalResults int64, sortKey string, page, perPage int) (PageBounds, error) {
	key, err := p.ValidateSortKey(sortKey)
	if err != nil {
		return PageBounds{}, err
	}
	bounds, err := p.Bounds(totalResults, page, perPage)
	if err != nil {
		return PageBounds{}, err
	}
	bounds.SortKey = key
	return bounds, nil
}
