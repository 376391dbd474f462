package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsVersion7(t *testing.T) {
	id, err := uuid.Parse(New())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("rej_")
	assert.True(t, strings.HasPrefix(id, "rej_"))
	assert.Len(t, id, len("rej_")+32)
	assert.NotEqual(t, id, WithPrefix("rej_"))
}
