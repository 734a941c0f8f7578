//go:build unix

package bufsrc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fixedarena/arena"
	"fixedarena/sink"
)

func TestNewMappingRejectsUnalignedSize(t *testing.T) {
	_, err := NewMapping(123)
	assert.Error(t, err)
}

func TestNewMappingIsUsableByArena(t *testing.T) {
	m, err := NewMapping(256 * 1024)
	require.NoError(t, err)
	defer m.Close()

	a := arena.New(sink.Config{Guards: true})
	require.NoError(t, a.Reinit(m.Bytes(), true))

	p := a.Malloc(64)
	require.NotNil(t, p)
	a.Free(p)
}
