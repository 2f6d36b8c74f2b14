package matching

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcm2nnunet/internal/models"
)

type fakeLocator map[string][]*models.Slice

func (f fakeLocator) Locate(dir string) ([]*models.Slice, error) {
	s, ok := f[dir]
	if !ok {
		return nil, errors.New("no such series")
	}
	return s, nil
}

func series(prefix string, positions ...float64) []*models.Slice {
	out := make([]*models.Slice, len(positions))
	for i, p := range positions {
		out[i] = &models.Slice{Source: fmt.Sprintf("%s/%03d.dcm", prefix, i), Index: i, Position: p}
	}
	return out
}

func newMatcher(opts Options, loc fakeLocator) *Matcher {
	return NewMatcher(opts, loc, &log.Logger{Handler: discard.New(), Level: log.InfoLevel})
}

// TestMatchWithinTolerance checks every match is within the rounded tolerance
func TestMatchWithinTolerance(t *testing.T) {
	ref := series("ct", -6, -3, 0, 3, 6, 30)
	aux := series("mr", 7.1, 3.4, 0.2, -2.5, -5.99, -9)
	m := newMatcher(DefaultOptions(), nil)

	c := m.Match(ref, aux)

	require.Equal(t, 5, c.Len())
	for _, match := range c.Matches() {
		assert.Less(t, math.Round(match.Distance*100)/100, 2.0)
	}
	assert.False(t, c.Contains("ct/005.dcm"))
}

// TestMatchNegatedPosition checks a mirrored auxiliary position matches exactly
func TestMatchNegatedPosition(t *testing.T) {
	ref := series("ct", 12.5)
	aux := series("mr", 10, -12.5, -11)
	m := newMatcher(DefaultOptions(), nil)

	c := m.Match(ref, aux)

	match, ok := c.Lookup("ct/000.dcm")
	require.True(t, ok)
	assert.Equal(t, "mr/001.dcm", match.Auxiliary)
	assert.Equal(t, 0.0, match.Distance)
}

// TestMatchTrueMinimum verifies the nearest candidate is found regardless of
// the distances seen while scanning earlier reference slices
func TestMatchTrueMinimum(t *testing.T) {
	ref := series("ct", 0, 10)
	aux := series("mr", 0, -11.5, -10.2)
	m := newMatcher(DefaultOptions(), nil)

	c := m.Match(ref, aux)

	require.Equal(t, 2, c.Len())
	match, _ := c.Lookup("ct/001.dcm")
	assert.Equal(t, "mr/002.dcm", match.Auxiliary)
}

// TestMatchTieGoesToFirst verifies equal rounded distances resolve to the earliest candidate
func TestMatchTieGoesToFirst(t *testing.T) {
	ref := series("ct", 0)
	aux := series("mr", -1.001, 1.004)
	m := newMatcher(DefaultOptions(), nil)

	match, ok := m.Match(ref, aux).Lookup("ct/000.dcm")
	require.True(t, ok)
	assert.Equal(t, "mr/000.dcm", match.Auxiliary)
}

func TestMatchToleranceIsExclusive(t *testing.T) {
	ref := series("ct", 0)
	aux := series("mr", -1.996)
	m := newMatcher(DefaultOptions(), nil)

	assert.Equal(t, 0, m.Match(ref, aux).Len())
}

// TestMatchExclusive verifies an auxiliary slice serves only its closest reference
func TestMatchExclusive(t *testing.T) {
	ref := series("ct", 0, 1, 5)
	aux := series("mr", -0.8, -5)

	exclusive := newMatcher(DefaultOptions(), nil).Match(ref, aux)
	assert.Equal(t, 2, exclusive.Len())
	match, ok := exclusive.Lookup("ct/001.dcm")
	require.True(t, ok)
	assert.Equal(t, "mr/000.dcm", match.Auxiliary)
	assert.False(t, exclusive.Contains("ct/000.dcm"))

	opts := DefaultOptions()
	opts.Exclusive = false
	shared := newMatcher(opts, nil).Match(ref, aux)
	assert.Equal(t, 3, shared.Len())
}

// TestMatchExclusiveFallsBack checks a reference that loses its nearest
// auxiliary slice takes the next free one within tolerance
func TestMatchExclusiveFallsBack(t *testing.T) {
	ref := series("ct", 0, 1)
	aux := series("mr", -0.4, -1.6)

	c := newMatcher(DefaultOptions(), nil).Match(ref, aux)
	require.Equal(t, 2, c.Len())
	first, ok := c.Lookup("ct/000.dcm")
	require.True(t, ok)
	assert.Equal(t, "mr/000.dcm", first.Auxiliary)
	second, ok := c.Lookup("ct/001.dcm")
	require.True(t, ok)
	assert.Equal(t, "mr/001.dcm", second.Auxiliary)
	assert.InDelta(t, 0.6, second.Distance, 1e-9)
}

func TestMatchWithoutFlip(t *testing.T) {
	opts := DefaultOptions()
	opts.FlipAuxiliary = false
	ref := series("ct", 4)
	aux := series("mr", -4, 4.5)

	match, ok := newMatcher(opts, nil).Match(ref, aux).Lookup("ct/000.dcm")
	require.True(t, ok)
	assert.Equal(t, "mr/001.dcm", match.Auxiliary)
}

func TestMatchEmptyInputs(t *testing.T) {
	m := newMatcher(DefaultOptions(), nil)

	assert.Equal(t, 0, m.Match(nil, series("mr", 1)).Len())
	assert.Equal(t, 0, m.Match(series("ct", 1), nil).Len())
}

func TestMatchDirs(t *testing.T) {
	loc := fakeLocator{
		"ct": series("ct", -3, 0, 3),
		"mr": series("mr", 3, 0, -3),
	}
	m := newMatcher(DefaultOptions(), loc)

	c, err := m.MatchDirs("ct", "mr")
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, "ct/000.dcm", c.Matches()[0].Reference)

	_, err = m.MatchDirs("ct", "missing")
	assert.Error(t, err)
}
