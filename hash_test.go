package fieldsync

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigest_RoundTrip(t *testing.T) {
	d := DigestBytes([]byte("payload"))

	s := d.String()
	require.Len(t, s, DigestSize*2)

	parsed, err := ParseDigest(s)
	require.NoError(t, err)
	assert.Equal(t, d, parsed)
}

func TestDigest_Deterministic(t *testing.T) {
	a := DigestBytes([]byte("same data"))
	b := DigestBytes([]byte("same data"))
	c := DigestBytes([]byte("other data"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestParseDigest_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "too short", input: "abcd"},
		{name: "too long", input: strings.Repeat("ab", DigestSize+1)},
		{name: "not hex", input: strings.Repeat("zz", DigestSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDigest(tt.input)
			require.Error(t, err)
		})
	}
}

func TestDigest_IsZero(t *testing.T) {
	var zero Digest
	assert.True(t, zero.IsZero())
	assert.False(t, DigestBytes([]byte("x")).IsZero())
}

func TestDigest_ShortString(t *testing.T) {
	d := DigestBytes([]byte("payload"))
	assert.Len(t, d.ShortString(), 16)
	assert.True(t, strings.HasPrefix(d.String(), d.ShortString()))
}
