package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123000, time.UTC)
	id := "rs_0123456789abcdef0123456789abcdef"

	encoded := Encode(ts, id)
	assert.NotContains(t, encoded, "=")

	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, ts.Equal(cursor.CreatedAt))
	assert.Equal(t, id, cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, in := range []string{
		"not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("nopipe")),
		base64.RawURLEncoding.EncodeToString([]byte("123|")),
		base64.RawURLEncoding.EncodeToString([]byte("soon|rs_1")),
	} {
		_, err := Decode(in)
		assert.ErrorIs(t, err, ErrInvalidCursor, in)
	}
}

func TestDecode_AcceptsPadding(t *testing.T) {
	padded := base64.URLEncoding.EncodeToString([]byte("1700000000000000000|rs_1"))
	c, err := Decode(padded)
	require.NoError(t, err)
	assert.Equal(t, "rs_1", c.ID)
}

func TestCursor_After(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: t0, ID: "rs_b"}

	assert.True(t, c.After(t0.Add(time.Second), "rs_a"))
	assert.False(t, c.After(t0.Add(-time.Second), "rs_z"))
	assert.True(t, c.After(t0, "rs_c"))
	assert.False(t, c.After(t0, "rs_b"))

	var none *Cursor
	assert.True(t, none.After(t0, "rs_a"))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 25, ClampLimit(0, 25, 100))
	assert.Equal(t, 25, ClampLimit(-3, 25, 100))
	assert.Equal(t, 100, ClampLimit(500, 25, 100))
	assert.Equal(t, 40, ClampLimit(40, 25, 100))
}

func TestComputePage(t *testing.T) {
	key := func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	}

	result, cursor, hasMore := ComputePage([]string{"a", "b", "c"}, 3, key)
	assert.Len(t, result, 3)
	assert.Empty(t, cursor)
	assert.False(t, hasMore)

	result, cursor, hasMore = ComputePage([]string{"a", "b", "c", "d"}, 3, key)
	assert.Len(t, result, 3)
	assert.True(t, hasMore)

	c, err := Decode(cursor)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}
