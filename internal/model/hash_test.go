package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeHashKnownVector(t *testing.T) {
	h := ComputeHash([]byte("abc"))
	assert.Equal(t, "a9993e364706816aba3e25717850c26c9cd0d89d", h.String())
	assert.True(t, h.Matches([]byte("abc")))
	assert.False(t, h.Matches([]byte("abd")))
	assert.False(t, h.IsZero())
	assert.True(t, ModelHash{}.IsZero())
}

func TestParseHash(t *testing.T) {
	want := ComputeHash([]byte("abc"))

	got, err := ParseHash("a9993e364706816aba3e25717850c26c9cd0d89d")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	got, err = ParseHash(strings.ToUpper(want.String()))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	for _, bad := range []string{"", "abc", strings.Repeat("z", 40), want.String() + "00"} {
		_, err := ParseHash(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestHashFromBytes(t *testing.T) {
	want := ComputeHash([]byte("abc"))

	got, ok := HashFromBytes(want[:])
	require.True(t, ok)
	assert.Equal(t, want, got)

	_, ok = HashFromBytes([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestDataTypeSize(t *testing.T) {
	tests := []struct {
		dt   DataType
		size int
	}{
		{DataTypeUnknown, 1},
		{DataTypeByte, 1},
		{DataTypeInt, 4},
		{DataTypeLong, 8},
		{DataTypeFloat, 4},
		{DataTypeDouble, 8},
		{DataTypeChar, 2},
	}
	for _, tt := range tests {
		t.Run(tt.dt.String(), func(t *testing.T) {
			assert.Equal(t, tt.size, tt.dt.Size())
			assert.True(t, tt.dt.Valid())
		})
	}
	assert.False(t, DataType(7).Valid())
}
