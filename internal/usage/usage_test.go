package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeCooldown struct {
	cooling map[string]bool
	expiry  map[string]int64
}

func (f *fakeCooldown) IsKeyCoolingDown(keyID string) bool { return f.cooling[keyID] }
func (f *fakeCooldown) KeyExpiry(keyID string) (int64, bool) {
	v, ok := f.expiry[keyID]
	return v, ok
}

func identity(key string) string { return key }

func TestSortedAvailable_AscendingByUsage(t *testing.T) {
	c := New()
	c.Increment("b")
	c.Increment("b")
	c.Increment("a")

	cd := &fakeCooldown{cooling: map[string]bool{}}
	got := c.SortedAvailable([]string{"a", "b", "c"}, cd, identity)
	assert.Equal(t, []string{"c", "a", "b"}, got)
}

func TestSortedAvailable_TiesByConfigOrder(t *testing.T) {
	c := New()
	cd := &fakeCooldown{cooling: map[string]bool{}}
	got := c.SortedAvailable([]string{"z", "y", "x"}, cd, identity)
	assert.Equal(t, []string{"z", "y", "x"}, got)
}

func TestSortedAvailable_SkipsCoolingDownKeys(t *testing.T) {
	c := New()
	cd := &fakeCooldown{cooling: map[string]bool{"b": true}}
	got := c.SortedAvailable([]string{"a", "b", "c"}, cd, identity)
	assert.Equal(t, []string{"a", "c"}, got)
}

// TestCounter_MonotonicUsage checks that usage counts only ever
// increase.
func TestCounter_MonotonicUsage(t *testing.T) {
	c := New()
	assert.EqualValues(t, 0, c.Count("a"))
	c.Increment("a")
	c.Increment("a")
	assert.EqualValues(t, 2, c.Count("a"))
	c.Increment("a")
	assert.EqualValues(t, 3, c.Count("a"))
}

func TestSortedAvailable_AllCoolingDownFallsBackToExpiry(t *testing.T) {
	c := New()
	cd := &fakeCooldown{
		cooling: map[string]bool{"a": true, "b": true},
		expiry:  map[string]int64{"a": 200, "b": 100},
	}
	got := c.SortedAvailable([]string{"a", "b"}, cd, identity)
	assert.Equal(t, []string{"b", "a"}, got)
}
