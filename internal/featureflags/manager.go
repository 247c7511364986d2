// Package featureflags evaluates the per-user switches for optional real-time features.
package featureflags

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
)

// Flag names a feature switch.
type Flag string

// Known flags.
const (
	// TypingIndicators relays typing frames to the other sessions of a conversation.
	TypingIndicators Flag = "typing_indicators"
	// DeliveryAcks accepts delivered frames and advances receipts to DELIVERED.
	DeliveryAcks Flag = "delivery_acks"
)

// defaults apply to known flags the configuration leaves out.
var defaults = map[Flag]string{
	TypingIndicators: "on",
	DeliveryAcks:     "on",
}

// Manager evaluates flags defined in a key=value list such as
// "typing_indicators=on,delivery_acks=25%".
type Manager struct {
	flags   map[Flag]string
	invalid []string
}

// NewManager parses a comma-separated flag list. Malformed entries are skipped
// and reported by Invalid.
func NewManager(raw string) *Manager {
	m := &Manager{flags: make(map[Flag]string, len(defaults))}
	for name, value := range defaults {
		m.flags[name] = value
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		key, value = normalize(key), normalize(value)
		if !ok || key == "" || !validValue(value) {
			m.invalid = append(m.invalid, pair)
			continue
		}
		m.flags[Flag(key)] = value
	}
	return m
}

func validValue(v string) bool {
	switch v {
	case "on", "true", "1", "off", "false", "0":
		return true
	}
	pct, ok := strings.CutSuffix(v, "%")
	if !ok {
		return false
	}
	n, err := strconv.Atoi(pct)
	return err == nil && n >= 0 && n <= 100
}

// Invalid returns the entries NewManager could not parse.
func (m *Manager) Invalid() []string {
	return append([]string(nil), m.invalid...)
}

// Enabled reports whether flag is on for userID. Percentage values roll out
// deterministically by user; unknown flags are off.
func (m *Manager) Enabled(flag Flag, userID uint) bool {
	if m == nil {
		return false
	}
	value, ok := m.flags[Flag(normalize(string(flag)))]
	if !ok {
		return false
	}

	switch value {
	case "on", "true", "1":
		return true
	case "off", "false", "0":
		return false
	}

	pct, _ := strconv.Atoi(strings.TrimSuffix(value, "%"))
	switch {
	case pct <= 0:
		return false
	case pct >= 100:
		return true
	case userID == 0:
		return false
	}
	return rolloutBucket(flag, userID) < pct
}

// Raw returns a copy of the effective flag values, defaults included.
func (m *Manager) Raw() map[string]string {
	out := make(map[string]string, len(m.flags))
	for k, v := range m.flags {
		out[string(k)] = v
	}
	return out
}

// Snapshot returns evaluated flag status for one user.
func (m *Manager) Snapshot(userID uint) map[string]bool {
	out := make(map[string]bool, len(m.flags))
	for name := range m.flags {
		out[string(name)] = m.Enabled(name, userID)
	}
	return out
}

// Names lists the effective flags in order.
func (m *Manager) Names() []Flag {
	names := make([]Flag, 0, len(m.flags))
	for name := range m.flags {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func rolloutBucket(flag Flag, userID uint) int {
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%s:%d", normalize(string(flag)), userID)
	return int(h.Sum32() % 100)
}
