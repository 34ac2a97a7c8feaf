package strategy

// Extremes is the (min, max) price pair entries are measured from.
type Extremes struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Tracker ratchets an Extremes pair. Max never decreases and min never
// increases until Reset. Not safe for concurrent use.
type Tracker struct {
	ext Extremes
}

func NewTracker(price float64) *Tracker {
	return &Tracker{ext: Extremes{Min: price, Max: price}}
}

// Observe widens the pair toward price.
func (t *Tracker) Observe(price float64) {
	if price <= 0 {
		return
	}
	if price > t.ext.Max {
		t.ext.Max = price
	}
	if price < t.ext.Min {
		t.ext.Min = price
	}
}

// Reset collapses both ends onto price.
func (t *Tracker) Reset(price float64) {
	t.ext = Extremes{Min: price, Max: price}
}

// Set restores a persisted pair, swapping the ends if they arrive inverted.
func (t *Tracker) Set(minPrice, maxPrice float64) {
	if minPrice > maxPrice {
		minPrice, maxPrice = maxPrice, minPrice
	}
	t.ext = Extremes{Min: minPrice, Max: maxPrice}
}

// RebaseMin moves min to price after a sub-strategy long entry; max follows if passed.
func (t *Tracker) RebaseMin(price float64) {
	t.ext.Min = price
	if price > t.ext.Max {
		t.ext.Max = price
	}
}

// RebaseMax moves max to price after a sub-strategy short entry; min follows if passed.
func (t *Tracker) RebaseMax(price float64) {
	t.ext.Max = price
	if price < t.ext.Min {
		t.ext.Min = price
	}
}

func (t *Tracker) Get() Extremes { return t.ext }
