package dispatch

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConstant_Delay(t *testing.T) {
	b := Constant{Interval: time.Minute}
	for _, n := range []int{1, 2, 10} {
		assert.Equal(t, time.Minute, b.Delay(n))
	}
}

func TestExponential_DelayDoublesAndCaps(t *testing.T) {
	b := Exponential{Initial: time.Second, Max: 5 * time.Second}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(3))
	assert.Equal(t, 5*time.Second, b.Delay(4))
}

func TestExponential_LargeAttemptsDoNotOverflow(t *testing.T) {
	capped := Exponential{Initial: time.Minute, Max: 16 * time.Minute}
	uncapped := Exponential{Initial: time.Minute}
	for _, n := range []int{40, 64, 100, 2000} {
		assert.Equal(t, 16*time.Minute, capped.Delay(n), "attempt %d", n)
		assert.Equal(t, time.Duration(math.MaxInt64), uncapped.Delay(n), "attempt %d", n)
	}
}

func TestNewBackoff(t *testing.T) {
	assert.Equal(t, Constant{Interval: time.Minute}, NewBackoff("constant", time.Minute))
	assert.Equal(t, Constant{Interval: time.Minute}, NewBackoff("", time.Minute))
	assert.Equal(t, Exponential{Initial: time.Minute, Max: 16 * time.Minute}, NewBackoff(" Exponential ", time.Minute))
}
