package migrate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewValidatesArguments(t *testing.T) {
	_, err := New("", t.TempDir(), nil)
	assert.Error(t, err)

	_, err = New("postgres://localhost/devspace", "", nil)
	assert.Error(t, err)

	_, err = New("postgres://localhost/devspace", filepath.Join(t.TempDir(), "missing"), nil)
	assert.Error(t, err)
}
