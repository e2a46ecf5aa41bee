package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStats_Average(t *testing.T) {
	s := NewStats()
	assert.Equal(t, time.Duration(0), s.Average())

	s.Update(100 * time.Millisecond)
	s.Update(300 * time.Millisecond)

	assert.Equal(t, int64(2), s.FinishedCount())
	assert.Equal(t, 200*time.Millisecond, s.Average())
}
