package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	assert.Len(t, id, 36)
	assert.Equal(t, 4, strings.Count(id, "-"))
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("ct_")
	assert.True(t, strings.HasPrefix(id, "ct_"))
	assert.Len(t, id, 3+32)
	assert.True(t, HasPrefix(id, "ct_"))
	assert.False(t, HasPrefix(id, "rs_"))
	assert.False(t, HasPrefix("ct_not-a-uuid", "ct_"))
}

func TestWithPrefix_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := WithPrefix("up_")
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
