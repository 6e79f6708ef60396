package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "16-bit lowercase", input: "fe59", expected: "fe59"},
		{name: "16-bit uppercase", input: "FE59", expected: "fe59"},
		{name: "16-bit with 0x prefix", input: "0xFE59", expected: "fe59"},
		{name: "SIG base UUID", input: "0000fe59-0000-1000-8000-00805f9b34fb", expected: "fe59"},
		{name: "SIG base UUID uppercase", input: "0000FE59-0000-1000-8000-00805F9B34FB", expected: "fe59"},
		{
			name:     "wand vendor UUID",
			input:    "64A70012-F691-4B93-A6F4-0968F5B648F8",
			expected: "64a70012f6914b93a6f40968f5b648f8",
		},
		{
			name:     "DFU control point",
			input:    "8ec90001-f315-4f60-9fb8-838830daea50",
			expected: "8ec90001f3154f609fb8838830daea50",
		},
		{
			name:     "wrong prefix is not shortened",
			input:    "AA00fe59-0000-1000-8000-00805f9b34fb",
			expected: "aa00fe5900001000800000805f9b34fb",
		},
		{name: "32-bit form kept", input: "0000fe59", expected: "0000fe59"},
		{name: "empty", input: "", expected: ""},
		{name: "not hexadecimal", input: "kano-wand", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestNormalizeUUIDs(t *testing.T) {
	result := NormalizeUUIDs([]string{"0x180f", "64A70010-F691-4B93-A6F4-0968F5B648F8"})
	assert.Equal(t, []string{"180f", "64a70010f6914b93a6f40968f5b648f8"}, result)
}

func TestValidateUUID(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		got, err := ValidateUUID("FE59", "8EC90002-F315-4F60-9FB8-838830DAEA50")
		require.NoError(t, err)
		assert.Equal(t, []string{"fe59", "8ec90002f3154f609fb8838830daea50"}, got)
	})

	t.Run("no UUIDs", func(t *testing.T) {
		_, err := ValidateUUID()
		assert.EqualError(t, err, "at least one UUID is required")
	})

	t.Run("empty entry", func(t *testing.T) {
		_, err := ValidateUUID("fe59", "")
		assert.EqualError(t, err, "UUID at index 1 cannot be empty")
	})

	t.Run("malformed entry", func(t *testing.T) {
		_, err := ValidateUUID("zz")
		assert.EqualError(t, err, "invalid UUID format at index 0: zz")
	})
}

func TestShortenUUID(t *testing.T) {
	assert.Equal(t, "64a70012", ShortenUUID("64a70012f6914b93a6f40968f5b648f8"))
	assert.Equal(t, "fe59", ShortenUUID("fe59"))
}
