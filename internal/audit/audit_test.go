package audit

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baseliner/backend/internal/core"
)

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	id := uuid.New()

	cur := EncodeCursor(ts, id)
	require.NotEmpty(t, cur)
	assert.NotContains(t, cur, "=", "cursor must be unpadded")

	gotTS, gotID, err := DecodeCursor(cur)
	require.NoError(t, err)
	require.NotNil(t, gotTS)
	require.NotNil(t, gotID)
	assert.True(t, ts.Equal(*gotTS))
	assert.Equal(t, id, *gotID)
}

func TestDecodeCursorEmpty(t *testing.T) {
	ts, id, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, ts)
	assert.Nil(t, id)
}

func TestDecodeCursorGarbage(t *testing.T) {
	for _, c := range []string{"!!!", "bm90IGpzb24"} {
		_, _, err := DecodeCursor(c)
		require.Error(t, err, "cursor %q", c)
		assert.Equal(t, core.KindInputMalformed, core.KindOf(err))
	}
}
