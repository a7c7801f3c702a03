package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay_LinearAndCapped(t *testing.T) {
	m := &Manager{cfg: Config{}.withDefaults()}

	assert.Equal(t, 5*time.Second, m.delay(1))
	assert.Equal(t, 10*time.Second, m.delay(2))
	assert.Equal(t, 25*time.Second, m.delay(5))
	assert.Equal(t, 30*time.Second, m.delay(9))
}

func TestJitter_Bounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(10*time.Second, 0.2)
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}
	assert.Equal(t, time.Second, jitter(time.Second, 0))
}

func TestConfig_Defaults(t *testing.T) {
	c := Config{BaseDelay: time.Minute, Jitter: 3}.withDefaults()

	assert.Equal(t, 5, c.MaxAttempts)
	assert.Equal(t, time.Minute, c.MaxDelay)
	assert.Equal(t, 1.0, c.Jitter)
	assert.Equal(t, 10*time.Second, c.DialTimeout)
}

func TestOriginFor(t *testing.T) {
	assert.Equal(t, "http://localhost:8080", OriginFor("ws://localhost:8080/api/v1/ws"))
	assert.Equal(t, "https://chat.example.com", OriginFor("wss://chat.example.com/api/v1/ws"))
	assert.Equal(t, "", OriginFor("::bad"))
}
