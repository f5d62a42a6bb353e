package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumService_Compute(t *testing.T) {
	svc := NewChecksumService()

	t.Run("returns consistent checksum for same content", func(t *testing.T) {
		payload := []byte(`{"name":"aspirin","dosage":"100mg"}`)

		sum1, err := svc.Compute(payload)
		require.NoError(t, err)

		sum2, err := svc.Compute(payload)
		require.NoError(t, err)

		assert.Equal(t, sum1, sum2)
		assert.Len(t, sum1, 16)
	})

	t.Run("ignores key order and whitespace", func(t *testing.T) {
		sum1, err := svc.Compute([]byte(`{"name":"aspirin","dosage":"100mg"}`))
		require.NoError(t, err)

		sum2, err := svc.Compute([]byte(`{ "dosage": "100mg", "name": "aspirin" }`))
		require.NoError(t, err)

		assert.Equal(t, sum1, sum2)
	})

	t.Run("returns different checksum for different content", func(t *testing.T) {
		sum1, err := svc.Compute([]byte(`{"dosage":"100mg"}`))
		require.NoError(t, err)

		sum2, err := svc.Compute([]byte(`{"dosage":"200mg"}`))
		require.NoError(t, err)

		assert.NotEqual(t, sum1, sum2)
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		_, err := svc.Compute([]byte(`{"dosage":`))
		assert.Error(t, err)
	})

	t.Run("handles nested structures", func(t *testing.T) {
		sum1, err := svc.Compute([]byte(`{"schedule":{"times":["08:00","20:00"],"days":7}}`))
		require.NoError(t, err)

		sum2, err := svc.Compute([]byte(`{"schedule":{"days":7,"times":["08:00","20:00"]}}`))
		require.NoError(t, err)

		assert.Equal(t, sum1, sum2)
	})
}

func TestChecksumService_IsValidChecksum(t *testing.T) {
	svc := NewChecksumService()

	tests := []struct {
		name     string
		checksum string
		expected bool
	}{
		{"valid lowercase", "deadbeef01234567", true},
		{"valid uppercase", "DEADBEEF01234567", true},
		{"valid with surrounding space", " deadbeef01234567 ", true},
		{"empty", "", false},
		{"whitespace", "   ", false},
		{"too short", "deadbeef", false},
		{"too long", "deadbeef0123456789", false},
		{"invalid char", "deadbeef0123456z", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, svc.IsValidChecksum(tt.checksum))
		})
	}
}
