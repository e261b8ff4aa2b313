package clearance

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"GENERAL", General, false},
		{"restricted", Restricted, false},
		{"Confidential", Confidential, false},
		{"HIGHLY_CONFIDENTIAL", HighlyConfidential, false},
		{"highly-confidential", HighlyConfidential, false},
		{"highly confidential", HighlyConfidential, false},
		{" 2 ", Restricted, false},
		{"4", HighlyConfidential, false},
		{"0", None, true},
		{"5", None, true},
		{"-1", None, true},
		{"SECRET", None, true},
		{"", None, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedLevel))
				assert.True(t, errors.Is(err, ErrDataIntegrity))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevel_CanAccess(t *testing.T) {
	for req := General; req <= MaxLevel; req++ {
		for res := General; res <= MaxLevel; res++ {
			assert.Equal(t, req >= res, req.CanAccess(res), "%s -> %s", req, res)
		}
	}
}

func TestLevel_Accessible(t *testing.T) {
	assert.Equal(t, []Level{General}, General.Accessible())
	assert.Equal(t, []Level{General, Restricted, Confidential}, Confidential.Accessible())
	assert.Len(t, HighlyConfidential.Accessible(), 4)
	assert.Nil(t, None.Accessible())
	assert.Nil(t, Level(9).Accessible())
}

func TestLevel_Text(t *testing.T) {
	b, err := Confidential.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "CONFIDENTIAL", string(b))

	var l Level
	require.NoError(t, l.UnmarshalText([]byte("restricted")))
	assert.Equal(t, Restricted, l)

	_, err = Level(7).MarshalText()
	assert.ErrorIs(t, err, ErrMalformedLevel)
	assert.Equal(t, "Level(7)", Level(7).String())
	assert.Equal(t, "NONE", None.String())
}
