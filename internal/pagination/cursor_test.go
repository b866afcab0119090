package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 2, 9, 15, 0, 123456789, time.UTC)
	token := Encode(ts, "dsp_9f3c2a1b")

	cur, err := Decode(token)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "dsp_9f3c2a1b", cur.ID)
	assert.True(t, cur.CreatedAt.Equal(ts))
}

func TestDecode_EmptyMeansFirstPage(t *testing.T) {
	cur, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestDecode_Garbage(t *testing.T) {
	for _, token := range []string{
		"not base64 at all!!",
		"aGVsbG8=",         // decodes but has no separator
		"QHdoYXRldmVy",     // "@whatever": empty id
		"ZHNwXzFAbm90bnVt", // "dsp_1@notnum": bad timestamp
	} {
		_, err := Decode(token)
		assert.Error(t, err, "token %q", token)
	}
}

func TestComputePage_LastPage(t *testing.T) {
	rows := []string{"a", "b"}
	page, next, more := ComputePage(rows, 3, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Equal(t, rows, page)
	assert.Empty(t, next)
	assert.False(t, more)
}

func TestComputePage_TrimsExtraRow(t *testing.T) {
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	rows := []string{"dsp_1", "dsp_2", "dsp_3", "dsp_4"}

	page, next, more := ComputePage(rows, 3, func(s string) (time.Time, string) {
		return base, s
	})
	require.Len(t, page, 3)
	assert.True(t, more)

	cur, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "dsp_3", cur.ID, "token should point at the last kept row")
	assert.True(t, cur.CreatedAt.Equal(base))
}
