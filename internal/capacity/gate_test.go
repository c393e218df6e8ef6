package capacity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdmit(t *testing.T) {
	t.Parallel()

	t.Run("admits when permission strictly below remaining", func(t *testing.T) {
		t.Parallel()
		// remaining = 5 - 2 = 3; 2 < 3
		assert.True(t, Admit(2, 2, 5.0))
	})

	t.Run("rejects when permission equals remaining", func(t *testing.T) {
		t.Parallel()
		// remaining = 4 - 2 = 2; 2 < 2 is false
		assert.False(t, Admit(2, 2, 4.0))
	})

	t.Run("rejects when permission exceeds remaining", func(t *testing.T) {
		t.Parallel()
		assert.False(t, Admit(3, 2, 4.0))
	})

	t.Run("fails closed on zero or negative capacity", func(t *testing.T) {
		t.Parallel()
		assert.False(t, Admit(1, 0, 0))
		assert.False(t, Admit(1, 0, -10))
	})

	t.Run("rejects negative permission", func(t *testing.T) {
		t.Parallel()
		assert.False(t, Admit(-1, 0, 10))
	})

	t.Run("admission scenario with two users", func(t *testing.T) {
		t.Parallel()
		// capacity max=10, nothing running: both users admitted.
		assert.True(t, Admit(2, 0, 10)) // user1 perm=2
		assert.True(t, Admit(3, 0, 10)) // user2 perm=3
		// user1's first task running: remaining=8, user2 still admitted.
		assert.True(t, Admit(3, 2, 10))
	})

	t.Run("backpressure releases when capacity raised", func(t *testing.T) {
		t.Parallel()
		// perm=5, max=4: denied (5 >= 4).
		assert.False(t, Admit(5, 0, 4))
		// Config raises max to 10: admitted without re-enqueuing.
		assert.True(t, Admit(5, 0, 10))
	})
}

func TestRemaining(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 8.0, Remaining(10, 2))
	assert.Equal(t, 0.0, Remaining(10, 15), "clamped at zero")
	assert.Equal(t, 0.0, Remaining(0, 0), "zero max means no capacity")
}
