package integrations

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMicroBreakerLifecycle(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewMicroBreaker(2, time.Minute)
	b.now = func() time.Time { return now }

	assert.True(t, b.TryAcquire())
	b.OnFailure()
	assert.Equal(t, "closed", b.State())
	b.OnFailure()
	assert.Equal(t, "open", b.State())
	assert.False(t, b.TryAcquire())

	now = now.Add(2 * time.Minute)
	assert.True(t, b.TryAcquire(), "trial after open window")
	assert.Equal(t, "half-open", b.State())
	assert.False(t, b.TryAcquire(), "only one trial in flight")

	b.OnFailure()
	assert.Equal(t, "open", b.State())

	now = now.Add(2 * time.Minute)
	assert.True(t, b.TryAcquire())
	b.OnSuccess()
	assert.Equal(t, "closed", b.State())
	assert.True(t, b.TryAcquire())
}
