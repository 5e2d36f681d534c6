package marketplace

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaginatorBounds(t *testing.T) {
	p := NewPaginator(SupportedSortKeys, 50)

	tests := []struct {
		name       string
		total      int64
		page       int
		perPage    int
		wantErr    bool
		offset     int
		limit      int
		totalPages int
	}{
		{name: "first page", total: 21, page: 1, perPage: 10, offset: 0, limit: 10, totalPages: 3},
		{name: "last partial page", total: 21, page: 3, perPage: 10, offset: 20, limit: 10, totalPages: 3},
		{name: "exact multiple", total: 20, page: 2, perPage: 10, offset: 10, limit: 10, totalPages: 2},
		{name: "page past the end", total: 21, page: 5, perPage: 10, wantErr: true},
		{name: "page zero", total: 21, page: 0, perPage: 10, wantErr: true},
		{name: "empty listing accepts any page", total: 0, page: 5, perPage: 10},
		{name: "empty listing accepts page zero", total: 0, page: 0, perPage: 10},
		{name: "zero page size", total: 21, page: 1, perPage: 0, wantErr: true},
		{name: "zero page size on empty listing", total: 0, page: 1, perPage: 0, wantErr: true},
		{name: "oversize page", total: 21, page: 1, perPage: 51, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := p.Bounds(tt.total, tt.page, tt.perPage)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidParameter), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.offset, b.Offset)
			assert.Equal(t, tt.limit, b.Limit)
			assert.Equal(t, tt.totalPages, b.TotalPages)
			assert.Equal(t, tt.total == 0, b.Empty())
		})
	}
}

func TestPaginatorSortKeyCheckedFirst(t *testing.T) {
	p := NewPaginator(SupportedSortKeys, 0)

	_, err := p.Paginate(21, "rating", 5, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sort key")

	_, err = p.Paginate(0, "rating", 1, 10)
	assert.True(t, errors.Is(err, ErrInvalidParameter))

	b, err := p.Paginate(21, "downloads", 2, 10)
	require.NoError(t, err)
	assert.Equal(t, SortByDownloads, b.SortKey)
}

func TestPaginatorRestrictedKeys(t *testing.T) {
	p := NewPaginator([]SortKey{SortByName}, 0)

	_, err := p.ValidateSortKey("name")
	assert.NoError(t, err)
	_, err = p.ValidateSortKey("date")
	assert.True(t, errors.Is(err, ErrInvalidParameter))
	assert.True(t, IsSupportedSortKey(SortByCommits))
	assert.False(t, IsSupportedSortKey("stars"))
}
