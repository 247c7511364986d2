package featureflags

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnabled_BooleanValues(t *testing.T) {
	m := NewManager("a=on,b=off,c=true,d=false,e=1,f=0")

	for _, name := range []Flag{"a", "c", "e"} {
		assert.True(t, m.Enabled(name, 1), name)
	}
	for _, name := range []Flag{"b", "d", "f", "missing"} {
		assert.False(t, m.Enabled(name, 1), name)
	}
}

func TestEnabled_KnownFlagsDefaultOn(t *testing.T) {
	m := NewManager("")
	assert.True(t, m.Enabled(TypingIndicators, 7))
	assert.True(t, m.Enabled(DeliveryAcks, 7))

	m = NewManager("TYPING_INDICATORS = off")
	assert.False(t, m.Enabled(TypingIndicators, 7), "configuration overrides defaults case-insensitively")
	assert.True(t, m.Enabled(DeliveryAcks, 7))
}

func TestEnabled_PercentageValues(t *testing.T) {
	m := NewManager("always=100%,never=0%,canary=25%")

	assert.True(t, m.Enabled("always", 1))
	assert.False(t, m.Enabled("never", 1))

	first := m.Enabled("canary", 42)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, m.Enabled("canary", 42), "rollout is deterministic per user")
	}
	assert.False(t, m.Enabled("canary", 0), "percentage rollout requires a user")

	enabled := 0
	for uid := uint(1); uid <= 1000; uid++ {
		if m.Enabled("canary", uid) {
			enabled++
		}
	}
	assert.InDelta(t, 250, enabled, 80)
}

func TestNewManager_ReportsInvalidEntries(t *testing.T) {
	m := NewManager(" bad ,x=on, y = 20% ,z=maybe,w=150%,=on")

	assert.ElementsMatch(t, []string{"bad", "z=maybe", "w=150%", "=on"}, m.Invalid())

	raw := m.Raw()
	assert.Equal(t, "on", raw["x"])
	assert.Equal(t, "20%", raw["y"])
	assert.NotContains(t, raw, "z")

	snap := m.Snapshot(123)
	assert.Len(t, snap, 4, "x, y and the two known flags")
	assert.Equal(t, []Flag{DeliveryAcks, TypingIndicators, "x", "y"}, m.Names())
}

func TestNilManager(t *testing.T) {
	var m *Manager
	assert.False(t, m.Enabled(TypingIndicators, 1))
}
