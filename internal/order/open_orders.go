package order

// OpenOrders caches OPEN entries by side, indexed by entry id and by protective order id.
// Not safe for concurrent use; the owning instrument serializes access.
type OpenOrders struct {
	byID       map[string]*Order
	bySide     map[Side][]string
	protective map[string]protectiveRef
}

type protectiveRef struct {
	entryID string
	reason  CloseReason
}

func NewOpenOrders() *OpenOrders {
	c := &OpenOrders{}
	c.Reset()
	return c
}

// Add inserts o. Returns false if the entry id is already cached.
func (c *OpenOrders) Add(o Order) bool {
	if _, ok := c.byID[o.VenueOrderID]; ok {
		return false
	}
	o.Status = StatusOpen
	c.byID[o.VenueOrderID] = &o
	c.bySide[o.Side] = append(c.bySide[o.Side], o.VenueOrderID)
	c.indexStops(&o)
	return true
}

func (c *OpenOrders) indexStops(o *Order) {
	if o.StopLossID != "" {
		c.protective[o.StopLossID] = protectiveRef{entryID: o.VenueOrderID, reason: ReasonStopLoss}
	}
	if o.TrailingStopID != "" {
		c.protective[o.TrailingStopID] = protectiveRef{entryID: o.VenueOrderID, reason: ReasonTrailingStop}
	}
}

// SetStops records protective ids of entryID. Empty ids leave the current value.
func (c *OpenOrders) SetStops(entryID, stopLossID, trailingStopID string) bool {
	o, ok := c.byID[entryID]
	if !ok {
		return false
	}
	if stopLossID != "" {
		o.StopLossID = stopLossID
	}
	if trailingStopID != "" {
		o.TrailingStopID = trailingStopID
	}
	c.indexStops(o)
	return true
}

func (c *OpenOrders) Get(entryID string) (Order, bool) {
	o, ok := c.byID[entryID]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// FindByProtective returns the entry owning a protective order id and which exit it is.
func (c *OpenOrders) FindByProtective(id string) (Order, CloseReason, bool) {
	ref, ok := c.protective[id]
	if !ok {
		return Order{}, "", false
	}
	o, ok := c.byID[ref.entryID]
	if !ok {
		return Order{}, "", false
	}
	return *o, ref.reason, true
}

// Remove deletes entryID and its protective index entries.
func (c *OpenOrders) Remove(entryID string) (Order, bool) {
	o, ok := c.byID[entryID]
	if !ok {
		return Order{}, false
	}
	delete(c.byID, entryID)
	delete(c.protective, o.StopLossID)
	delete(c.protective, o.TrailingStopID)
	ids := c.bySide[o.Side]
	for i, id := range ids {
		if id == entryID {
			c.bySide[o.Side] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return *o, true
}

func (c *OpenOrders) Count(side Side) int { return len(c.bySide[side]) }

func (c *OpenOrders) Len() int { return len(c.byID) }

// EntryPrices returns the entry prices of side in fill order.
func (c *OpenOrders) EntryPrices(side Side) []float64 {
	ids := c.bySide[side]
	out := make([]float64, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.byID[id].EntryPrice)
	}
	return out
}

// All returns copies of every open entry, long side first.
func (c *OpenOrders) All() []Order {
	out := make([]Order, 0, len(c.byID))
	for _, side := range Sides {
		for _, id := range c.bySide[side] {
			out = append(out, *c.byID[id])
		}
	}
	return out
}

// Size sums entry quantities of side.
func (c *OpenOrders) Size(side Side) float64 {
	total := 0.0
	for _, id := range c.bySide[side] {
		total += c.byID[id].Qty
	}
	return total
}

func (c *OpenOrders) Reset() {
	c.byID = make(map[string]*Order)
	c.bySide = make(map[Side][]string)
	c.protective = make(map[string]protectiveRef)
}
