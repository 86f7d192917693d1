package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int64
		wantErr bool
	}{
		{name: "whole dollars", in: "100", want: 10000},
		{name: "one decimal", in: "100.5", want: 10050},
		{name: "two decimals", in: "100.50", want: 10050},
		{name: "zero", in: "0", want: 0},
		{name: "cent", in: "0.01", want: 1},
		{name: "negative", in: "-93.00", want: -9300},
		{name: "whitespace", in: " 12.34 ", want: 1234},
		{name: "leading point", in: ".50", want: 50},
		{name: "empty", in: "", wantErr: true},
		{name: "three decimals", in: "1.005", wantErr: true},
		{name: "letters", in: "12.3a", wantErr: true},
		{name: "bare sign", in: "-", wantErr: true},
		{name: "bare point", in: ".", wantErr: true},
		{name: "sign and point", in: "-.", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Cents())
		})
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "100.00", FromCents(10000).String())
	assert.Equal(t, "0.05", FromCents(5).String())
	assert.Equal(t, "-93.00", FromCents(-9300).String())
	assert.Equal(t, "0.00", FromCents(0).String())
}

func TestPercent(t *testing.T) {
	gross := MustParse("100.00")
	assert.Equal(t, MustParse("5.00"), gross.Percent(5))
	assert.Equal(t, MustParse("2.00"), gross.Percent(2))

	// Half-up rounding on the cent: 5% of 0.10 is 0.005 → 0.01.
	assert.Equal(t, FromCents(1), MustParse("0.10").Percent(5))
	// 2% of 0.10 is 0.002 → 0.00.
	assert.Equal(t, FromCents(0), MustParse("0.10").Percent(2))
}

func TestJSONRoundTrip(t *testing.T) {
	type payload struct {
		Amount Amount `json:"amount"`
	}

	b, err := json.Marshal(payload{Amount: MustParse("93.00")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"93.00"}`, string(b))

	var p payload
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"12.34"}`), &p))
	assert.Equal(t, MustParse("12.34"), p.Amount)

	// Bare numbers are accepted for compatibility with older clients.
	require.NoError(t, json.Unmarshal([]byte(`{"amount":50}`), &p))
	assert.Equal(t, MustParse("50"), p.Amount)
}
