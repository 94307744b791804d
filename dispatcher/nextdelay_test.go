package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelayKeepsZeroInitialDelayAtZero(t *testing.T) {
	assert.Equal(t, time.Duration(0), nextDelay(0, 5*time.Second))
}

func TestNextDelayDoublesUntilMax(t *testing.T) {
	assert.Equal(t, 2*time.Millisecond, nextDelay(time.Millisecond, time.Second))
	assert.Equal(t, time.Second, nextDelay(time.Second, time.Second))
	assert.Equal(t, time.Second, nextDelay(2*time.Second, time.Second))
}

func TestNextDelayClampsOnOverflow(t *testing.T) {
	assert.Equal(t, time.Hour, nextDelay(1<<62, time.Hour))
}
