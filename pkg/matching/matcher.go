// Package matching pairs reference (CT) slices with auxiliary (MR) slices by
// their position along the stacking axis.
package matching

import (
	"fmt"
	"math"
	"sort"

	"github.com/apex/log"

	"dcm2nnunet/internal/models"
)

// Locator returns the located slices of a series directory
type Locator interface {
	Locate(dir string) ([]*models.Slice, error)
}

// Options controls the matching rule
type Options struct {
	// Tolerance is the exclusive bound on the rounded distance in mm
	Tolerance float64

	// RoundDecimals is applied to distances before comparing them
	RoundDecimals int

	// FlipAuxiliary negates auxiliary positions before comparison
	FlipAuxiliary bool

	// Exclusive lets every auxiliary slice serve at most one reference slice
	Exclusive bool
}

// DefaultOptions returns the rule of the source archive: 2 mm, 2 decimals, flipped, one-to-one
func DefaultOptions() Options {
	return Options{Tolerance: 2.0, RoundDecimals: 2, FlipAuxiliary: true, Exclusive: true}
}

// Matcher computes slice correspondences
type Matcher struct {
	opts    Options
	locator Locator
	logger  log.Interface
}

// NewMatcher returns a matcher that reads series through locator
func NewMatcher(opts Options, locator Locator, logger log.Interface) *Matcher {
	return &Matcher{opts: opts, locator: locator, logger: logger}
}

// MatchDirs locates both series and matches them
func (m *Matcher) MatchDirs(referenceDir, auxiliaryDir string) (*models.Correspondence, error) {
	reference, err := m.locator.Locate(referenceDir)
	if err != nil {
		return nil, fmt.Errorf("error locating reference series: %w", err)
	}
	auxiliary, err := m.locator.Locate(auxiliaryDir)
	if err != nil {
		return nil, fmt.Errorf("error locating auxiliary series: %w", err)
	}

	c := m.Match(reference, auxiliary)
	m.logger.WithFields(log.Fields{
		"reference":  referenceDir,
		"auxiliary":  auxiliaryDir,
		"ref_slices": len(reference),
		"aux_slices": len(auxiliary),
		"matched":    c.Len(),
	}).Debug("matched series")
	return c, nil
}

type candidate struct {
	aux      int
	distance float64
	rounded  float64
}

type pair struct {
	ref int
	candidate
}

// Match pairs every reference slice with its nearest auxiliary slice within
// the tolerance. Ties on the rounded distance go to the earliest auxiliary
// slice. In exclusive mode pairs are taken closest first, so a reference whose
// nearest auxiliary slice went to a closer reference falls back to its
// next-nearest free one.
func (m *Matcher) Match(reference, auxiliary []*models.Slice) *models.Correspondence {
	var pairs []pair
	for r, ref := range reference {
		for a, aux := range auxiliary {
			pos := aux.Position
			if m.opts.FlipAuxiliary {
				pos = -pos
			}
			d := math.Abs(pos - ref.Position)
			rd := m.round(d)
			if rd < m.opts.Tolerance {
				pairs = append(pairs, pair{ref: r, candidate: candidate{aux: a, distance: d, rounded: rd}})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].rounded != pairs[j].rounded {
			return pairs[i].rounded < pairs[j].rounded
		}
		if pairs[i].ref != pairs[j].ref {
			return pairs[i].ref < pairs[j].ref
		}
		return pairs[i].aux < pairs[j].aux
	})

	best := make([]*candidate, len(reference))
	used := make(map[int]bool)
	for i := range pairs {
		p := &pairs[i]
		if best[p.ref] != nil || (m.opts.Exclusive && used[p.aux]) {
			continue
		}
		best[p.ref] = &p.candidate
		used[p.aux] = true
	}

	out := models.NewCorrespondence()
	for r, c := range best {
		if c == nil {
			continue
		}
		out.Add(models.Match{
			Reference:      reference[r].Source,
			Auxiliary:      auxiliary[c.aux].Source,
			ReferenceIndex: reference[r].Index,
			AuxiliaryIndex: auxiliary[c.aux].Index,
			Distance:       c.distance,
		})
	}
	return out
}

func (m *Matcher) round(d float64) float64 {
	scale := math.Pow(10, float64(m.opts.RoundDecimals))
	return math.Round(d*scale) / scale
}
