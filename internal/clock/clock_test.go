package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealNowUsesUTC(t *testing.T) {
	now := Real{}.Now()
	assert.Equal(t, time.UTC, now.Location())
	assert.WithinDuration(t, time.Now(), now, time.Second)
}

func TestManualAdvance(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewManual(start)
	assert.Equal(t, int64(1000), Unix(m))

	m.Advance(90 * time.Second)
	assert.Equal(t, int64(1090), Unix(m))

	m.Set(time.Unix(5, 0))
	assert.Equal(t, int64(5), Unix(m))
}
