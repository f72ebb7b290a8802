package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePattern(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"forward slashes unchanged", "data/2024/**", "data/2024/**"},
		{"windows separators converted", `data\2024\**`, "data/2024/**"},
		{"windows entry path", `data\2024\sales.csv`, "data/2024/sales.csv"},
		{"escape preserved after slash", `data/file\*.txt`, `data/file\*.txt`},
		{"mixed separators keep escapes", `data/2024\*.csv`, `data/2024\*.csv`},
		{"plain backslash after slash converted", `data/2024\sales.csv`, "data/2024/sales.csv"},
		{"leading slash preserved", "/data/2024/**", "/data/2024/**"},
		{"double slash preserved", "data//2024/**", "data//2024/**"},
		{"trailing backslash", `data\2024\`, "data/2024/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePattern(tt.input))
		})
	}
}

func TestIsHidden(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"path/to/file.csv", false},
		{".hidden/file.csv", true},
		{"path/.hidden/file.csv", true},
		{"__MACOSX/._sales.csv", true},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsHidden(tt.path), tt.path)
	}
}
