package match

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "1024", want: 1024},
		{in: "1KB", want: 1000},
		{in: "1KiB", want: 1024},
		{in: "100MiB", want: 100 * MiB},
		{in: "1.5GB", want: 1500 * MB},
		{in: "2gb", want: 2 * GB},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "10XB", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidSize)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSizeFilter(t *testing.T) {
	f, err := NewSizeFilter(&SizeFilterConfig{Min: "1KiB", Max: "1MiB"})
	require.NoError(t, err)

	assert.False(t, f.Match(&EntryInfo{Path: "tiny.csv", Size: 100}))
	assert.True(t, f.Match(&EntryInfo{Path: "ok.csv", Size: 10 * KiB}))
	assert.False(t, f.Match(&EntryInfo{Path: "big.csv", Size: 2 * MiB}))

	_, err = NewSizeFilter(&SizeFilterConfig{Min: "1MiB", Max: "1KiB"})
	require.ErrorIs(t, err, ErrInvalidSize)

	f, err = NewSizeFilter(nil)
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestDateFilter(t *testing.T) {
	f, err := NewDateFilter(&DateFilterConfig{After: "2024-01-01", Before: "2024-02-01"})
	require.NoError(t, err)

	jan := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	dec := time.Date(2023, 12, 15, 12, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, f.Match(&EntryInfo{Path: "jan.csv", Modified: jan}))
	assert.False(t, f.Match(&EntryInfo{Path: "dec.csv", Modified: dec}))
	// Before is an exclusive end.
	assert.False(t, f.Match(&EntryInfo{Path: "feb.csv", Modified: feb}))

	_, err = NewDateFilter(&DateFilterConfig{After: "2024-02-01", Before: "2024-01-01"})
	require.ErrorIs(t, err, ErrInvalidDate)

	_, err = NewDateFilter(&DateFilterConfig{After: "not-a-date"})
	require.ErrorIs(t, err, ErrInvalidDate)
}

func TestCompositeFilterFromConfig(t *testing.T) {
	cfg := &FilterConfig{
		Size:      &SizeFilterConfig{Max: "1MiB"},
		PathRegex: `sales_\d{4}\.csv$`,
	}

	f, err := NewFilterFromConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Len(t, f.Filters(), 2)

	assert.True(t, f.Match(&EntryInfo{Path: "data/sales_2024.csv", Size: 100 * KiB}))
	assert.False(t, f.Match(&EntryInfo{Path: "data/sales_2024.csv", Size: 2 * MiB}))
	assert.False(t, f.Match(&EntryInfo{Path: "data/other.csv", Size: 100 * KiB}))

	empty, err := NewFilterFromConfig(&FilterConfig{})
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = NewFilterFromConfig(&FilterConfig{PathRegex: "("})
	require.ErrorIs(t, err, ErrInvalidRegex)
}
