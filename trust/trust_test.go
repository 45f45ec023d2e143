package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlatformValid(t *testing.T) {
	assert.True(t, PlatformIOS.Valid())
	assert.True(t, PlatformAndroid.Valid())
	assert.False(t, Platform("windows").Valid())
	assert.False(t, Platform("").Valid())
}

func TestLevelValid(t *testing.T) {
	for _, l := range []Level{LevelUnknown, LevelTrusted, LevelVerified, LevelSuspicious, LevelBlocked} {
		assert.True(t, l.Valid(), "level %q", l)
	}
	assert.False(t, Level("golden").Valid())
	assert.False(t, Level("").Valid())
}

func TestLevelForRisk(t *testing.T) {
	tests := []struct {
		risk int
		want Level
	}{
		{risk: 0, want: LevelVerified},
		{risk: 5, want: LevelVerified},
		{risk: 10, want: LevelVerified},
		{risk: 11, want: LevelTrusted},
		{risk: 30, want: LevelTrusted},
		{risk: 31, want: LevelUnknown},
		{risk: 60, want: LevelUnknown},
		{risk: 61, want: LevelSuspicious},
		{risk: 100, want: LevelSuspicious},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelForRisk(tt.risk), "risk %d", tt.risk)
	}
}
