package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	tests := []struct {
		name      string
		page      string
		limit     string
		wantPage  int
		wantLimit int
	}{
		{name: "defaults", page: "", limit: "", wantPage: 1, wantLimit: DefaultLimit},
		{name: "explicit", page: "3", limit: "50", wantPage: 3, wantLimit: 50},
		{name: "clamped to max", page: "1", limit: "5000", wantPage: 1, wantLimit: 100},
		{name: "garbage falls back", page: "x", limit: "-2", wantPage: 1, wantLimit: DefaultLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ParseParams(tt.page, tt.limit, 100)
			assert.Equal(t, tt.wantPage, p.Page)
			assert.Equal(t, tt.wantLimit, p.Limit)
		})
	}
}

func TestOffset(t *testing.T) {
	assert.Equal(t, 0, Params{Page: 1, Limit: 20}.Offset())
	assert.Equal(t, 40, Params{Page: 3, Limit: 20}.Offset())
}

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cur, err := Decode(Encode(at, "txn_abc"))
	require.NoError(t, err)
	assert.Equal(t, at, cur.CreatedAt)
	assert.Equal(t, "txn_abc", cur.ID)
}

func TestDecodeEmpty(t *testing.T) {
	cur, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Decode("not-base64!!!")
	assert.Error(t, err)
}

func TestComputePage(t *testing.T) {
	type row struct {
		id string
		at time.Time
	}
	base := time.Now().UTC()
	rows := []row{
		{id: "a", at: base},
		{id: "b", at: base.Add(time.Second)},
		{id: "c", at: base.Add(2 * time.Second)},
	}

	trimmed, next, hasMore := ComputePage(rows, 2, func(r row) (time.Time, string) {
		return r.at, r.id
	})
	require.True(t, hasMore)
	assert.Len(t, trimmed, 2)

	cur, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", cur.ID)

	_, next, hasMore = ComputePage(rows[:2], 2, func(r row) (time.Time, string) {
		return r.at, r.id
	})
	assert.False(t, hasMore)
	assert.Empty(t, next)
}
