package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validManifestYAML returns a minimal valid manifest in YAML format.
func validManifestYAML() string {
	return `version: "1.0"
source:
  store: local
  path: ./uploads
`
}

// validManifestJSON returns a minimal valid manifest in JSON format.
func validManifestJSON() string {
	return `{
  "version": "1.0",
  "source": {
    "store": "local",
    "path": "./uploads"
  }
}`
}

// fullManifestYAML returns a complete manifest with all optional fields.
func fullManifestYAML() string {
	return `version: "1.0"
source:
  store: s3
  bucket: import-uploads
  region: us-east-1
  endpoint: https://s3.wasabisys.com
  profile: production
  prefix: tenant-42/
match:
  includes:
    - "data/2024/**/*.csv"
  excludes:
    - "**/_scratch/**"
  extensions:
    - csv
    - tsv
  include_hidden: true
  filters:
    size:
      max: 100MiB
    path_regex: "sales_\\d{4}"
import:
  workers: 8
  oracle_rate: 2.5
  max_rows: 500000
  decision:
    wait_base_seconds: 20
    wait_per_column_millis: 250
    wait_max_seconds: 90
    fallback: fail
output:
  destination: file:/tmp/output.jsonl
  progress: false
`
}

func TestLoad(t *testing.T) {
	t.Run("valid yaml file", func(t *testing.T) {
		path := writeTemp(t, "manifest.yaml", validManifestYAML())

		m, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "1.0", m.Version)
		assert.Equal(t, "local", m.Source.Store)
		assert.Equal(t, "./uploads", m.Source.Path)
	})

	t.Run("valid json file", func(t *testing.T) {
		path := writeTemp(t, "manifest.json", validManifestJSON())

		m, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "local", m.Source.Store)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

func TestParse(t *testing.T) {
	t.Run("empty data", func(t *testing.T) {
		_, err := Parse(nil)
		require.Error(t, err)
	})

	t.Run("garbage data", func(t *testing.T) {
		_, err := Parse([]byte("{{{not yaml"))
		require.Error(t, err)
	})

	t.Run("full manifest round trip", func(t *testing.T) {
		m, err := Parse([]byte(fullManifestYAML()))
		require.NoError(t, err)

		assert.Equal(t, "s3", m.Source.Store)
		assert.Equal(t, "import-uploads", m.Source.Bucket)
		assert.Equal(t, "tenant-42/", m.Source.Prefix)
		assert.Equal(t, []string{"csv", "tsv"}, m.Match.Extensions)
		require.NotNil(t, m.Match.Filters)
		require.NotNil(t, m.Match.Filters.Size)
		assert.Equal(t, "100MiB", m.Match.Filters.Size.Max)
		assert.Equal(t, 8, m.Import.Workers)
		assert.Equal(t, 2.5, m.Import.OracleRate)
		assert.Equal(t, 500000, m.Import.MaxRows)
		assert.Equal(t, 20, m.Import.Decision.WaitBaseSeconds)
		assert.Equal(t, "fail", m.Import.Decision.Fallback)
		assert.Equal(t, "file:/tmp/output.jsonl", m.Output.Destination)
		assert.False(t, m.Output.ProgressEnabled())
	})

	t.Run("unknown top-level field rejected", func(t *testing.T) {
		data := validManifestYAML() + "mystery: true\n"

		_, err := Parse([]byte(data))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidationFailed))
	})

	t.Run("unsupported version rejected", func(t *testing.T) {
		data := strings.Replace(validManifestYAML(), `"1.0"`, `"9.9"`, 1)

		_, err := Parse([]byte(data))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidationFailed))
	})

	t.Run("missing source rejected", func(t *testing.T) {
		_, err := Parse([]byte("version: \"1.0\"\n"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidationFailed))
	})

	t.Run("workers out of range rejected", func(t *testing.T) {
		data := validManifestYAML() + "import:\n  workers: 64\n"

		_, err := Parse([]byte(data))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidationFailed))
	})

	t.Run("bad fallback rejected", func(t *testing.T) {
		data := validManifestYAML() + "import:\n  decision:\n    fallback: sometimes\n"

		_, err := Parse([]byte(data))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidationFailed))
	})

	t.Run("json document", func(t *testing.T) {
		m, err := Parse([]byte(validManifestJSON()))
		require.NoError(t, err)
		assert.Equal(t, "local", m.Source.Store)
	})
}

func TestApplyDefaults(t *testing.T) {
	m, err := Parse([]byte(validManifestYAML()))
	require.NoError(t, err)

	assert.Equal(t, DefaultWorkers, m.Import.Workers)
	assert.Equal(t, DefaultFallback, m.Import.Decision.Fallback)
	assert.Equal(t, DefaultDestination, m.Output.Destination)
	assert.True(t, m.Output.ProgressEnabled())
}

func TestValidate(t *testing.T) {
	t.Run("struct validation", func(t *testing.T) {
		m := &Manifest{
			Version: "1.0",
			Source:  SourceConfig{Store: "local", Path: "./uploads"},
		}
		require.NoError(t, Validate(m))
	})

	t.Run("invalid struct", func(t *testing.T) {
		m := &Manifest{Version: "1.0", Source: SourceConfig{Store: "ftp"}}
		err := Validate(m)
		require.Error(t, err)

		var verrs ValidationErrors
		require.ErrorAs(t, err, &verrs)
		assert.NotEmpty(t, verrs)
	})
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
