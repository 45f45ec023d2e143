package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/perimetra/device-trust/trust"
)

func TestCalculateTrustLevel(t *testing.T) {
	tests := []struct {
		name     string
		verified bool
		risk     int
		count    int
		want     trust.Level
	}{
		{"unverified is suspicious regardless of risk", false, 0, 10, trust.LevelSuspicious},
		{"risk 80 is suspicious", true, 80, 10, trust.LevelSuspicious},
		{"risk 81 is suspicious", true, 81, 1, trust.LevelSuspicious},
		{"risk 79 with low count is unknown", true, 79, 3, trust.LevelUnknown},
		{"risk 50 is unknown", true, 50, 10, trust.LevelUnknown},
		{"risk 49 is trusted", true, 49, 10, trust.LevelTrusted},
		{"low risk but few verifications stays trusted", true, 5, 5, trust.LevelTrusted},
		{"low risk and history is verified", true, 5, 6, trust.LevelVerified},
		{"risk 19 and history is verified", true, 19, 6, trust.LevelVerified},
		{"risk 20 never reaches verified", true, 20, 100, trust.LevelTrusted},
		{"first verification with zero risk", true, 0, 1, trust.LevelTrusted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CalculateTrustLevel(tt.verified, tt.risk, tt.count))
		})
	}
}

func TestMergeFlags(t *testing.T) {
	assert.Nil(t, MergeFlags(nil, nil))
	assert.Equal(t, []string{"A"}, MergeFlags(nil, []string{"A"}))
	assert.Equal(t, []string{"A", "B"}, MergeFlags([]string{"B"}, []string{"A"}))
	assert.Equal(t, []string{"A", "B", "C"}, MergeFlags([]string{"C", "A"}, []string{"A", "B", "B"}))
}

func TestMergeFlags_InputsUntouched(t *testing.T) {
	existing := []string{"Z", "A"}
	incoming := []string{"M"}
	_ = MergeFlags(existing, incoming)
	assert.Equal(t, []string{"Z", "A"}, existing)
	assert.Equal(t, []string{"M"}, incoming)
}
