package models

// Match pairs one reference slice with one auxiliary slice
type Match struct {
	// Reference and Auxiliary are the slice ids (source paths)
	Reference, Auxiliary string

	// ReferenceIndex and AuxiliaryIndex are the discovery orders within each series
	ReferenceIndex, AuxiliaryIndex int

	// Distance is the absolute position difference after sign normalization
	Distance float64
}

// Correspondence is the ordered reference to auxiliary pairing.
// Entries follow reference discovery order; unmatched references are absent.
type Correspondence struct {
	matches []Match
	byRef   map[string]int
}

// NewCorrespondence returns an empty correspondence map
func NewCorrespondence() *Correspondence {
	return &Correspondence{byRef: make(map[string]int)}
}

// Add inserts or replaces the match for m.Reference
func (c *Correspondence) Add(m Match) {
	if i, ok := c.byRef[m.Reference]; ok {
		c.matches[i] = m
		return
	}
	c.byRef[m.Reference] = len(c.matches)
	c.matches = append(c.matches, m)
}

// Lookup returns the match for a reference id
func (c *Correspondence) Lookup(reference string) (Match, bool) {
	i, ok := c.byRef[reference]
	if !ok {
		return Match{}, false
	}
	return c.matches[i], true
}

// Contains reports whether the reference id has a match
func (c *Correspondence) Contains(reference string) bool {
	_, ok := c.byRef[reference]
	return ok
}

// Len returns the number of matched reference slices
func (c *Correspondence) Len() int {
	return len(c.matches)
}

// Matches returns the matches in reference discovery order
func (c *Correspondence) Matches() []Match {
	return append([]Match(nil), c.matches...)
}
