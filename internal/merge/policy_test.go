package merge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merge.yaml")
	content := `
merge:
  epsilon: 0.05
  disable_derived: false
  fields:
    price:
      epsilon: 0.15
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 0.05, p.Epsilon)
	assert.Equal(t, 0.15, p.EpsilonFor("price"))
	assert.Equal(t, 0.05, p.EpsilonFor("title"))
	assert.False(t, p.DisableDerived)
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadPolicy_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("merge: [broken"), 0o644))

	_, err := LoadPolicy(path)
	assert.Error(t, err)
}

func TestEpsilonFor_NilPolicy(t *testing.T) {
	var p *Policy
	assert.Equal(t, 0.0, p.EpsilonFor("price"))
}
