package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "empty config matches everything",
			cfg:  Config{},
		},
		{
			name: "includes and excludes",
			cfg:  Config{Includes: []string{"data/**"}, Excludes: []string{"**/_scratch/**"}},
		},
		{
			name: "extensions without dots",
			cfg:  Config{Extensions: []string{"csv", "tsv"}},
		},
		{
			name:    "invalid include pattern",
			cfg:     Config{Includes: []string{"[invalid"}},
			wantErr: true,
		},
		{
			name:    "invalid exclude pattern",
			cfg:     Config{Excludes: []string{"[invalid"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				var perr *PatternError
				require.ErrorAs(t, err, &perr)
				assert.ErrorIs(t, err, ErrInvalidPattern)
				assert.Nil(t, m)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, m)
		})
	}
}

func TestMatcherMatch(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		entry string
		want  bool
	}{
		{
			name:  "no patterns matches anything",
			cfg:   Config{},
			entry: "data/sales.csv",
			want:  true,
		},
		{
			name:  "include hit",
			cfg:   Config{Includes: []string{"data/**"}},
			entry: "data/2024/sales.csv",
			want:  true,
		},
		{
			name:  "include miss",
			cfg:   Config{Includes: []string{"data/**"}},
			entry: "other/sales.csv",
			want:  false,
		},
		{
			name:  "exclude wins over include",
			cfg:   Config{Includes: []string{"**"}, Excludes: []string{"**/backup/**"}},
			entry: "data/backup/sales.csv",
			want:  false,
		},
		{
			name:  "hidden entries skipped by default",
			cfg:   Config{},
			entry: ".config/settings.csv",
			want:  false,
		},
		{
			name:  "hidden segment mid-path skipped",
			cfg:   Config{},
			entry: "data/.cache/sales.csv",
			want:  false,
		},
		{
			name:  "hidden entries allowed when opted in",
			cfg:   Config{IncludeHidden: true},
			entry: ".config/settings.csv",
			want:  true,
		},
		{
			name:  "extension allowed",
			cfg:   Config{Extensions: []string{".csv"}},
			entry: "data/sales.csv",
			want:  true,
		},
		{
			name:  "extension case insensitive",
			cfg:   Config{Extensions: []string{"csv"}},
			entry: "data/SALES.CSV",
			want:  true,
		},
		{
			name:  "extension rejected",
			cfg:   Config{Extensions: []string{"csv"}},
			entry: "data/readme.txt",
			want:  false,
		},
		{
			name:  "windows separators in entry path",
			cfg:   Config{Includes: []string{"data/**/*.csv"}},
			entry: `data\2024\sales.csv`,
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Match(tt.entry))
		})
	}
}

func TestMatcherPatternAccessors(t *testing.T) {
	m, err := New(Config{
		Includes: []string{`data\2024\**`},
		Excludes: []string{"**/tmp/**"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"data/2024/**"}, m.IncludePatterns())
	assert.Equal(t, []string{"**/tmp/**"}, m.ExcludePatterns())
}
