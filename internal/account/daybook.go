package account

import (
	"sync"

	"github.com/exchange-core/matching-core/pkg/types"
)

// Daybook holds one account's orders for the current trading day. Orders
// live here until end-of-day archival.
type Daybook struct {
	mu     sync.Mutex
	orders map[types.OrderID]*types.Order
}

// NewDaybook creates an empty day-book.
func NewDaybook() *Daybook {
	return &Daybook{orders: make(map[types.OrderID]*types.Order)}
}

// Insert adds a newly admitted order.
func (d *Daybook) Insert(o *types.Order) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.orders[o.OrderID] = o
}

// Get returns the order by id, if present.
func (d *Daybook) Get(id types.OrderID) (*types.Order, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	o, ok := d.orders[id]
	return o, ok
}

// All returns every order currently in the day-book.
func (d *Daybook) All() []*types.Order {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*types.Order, 0, len(d.orders))
	for _, o := range d.orders {
		out = append(out, o)
	}
	return out
}

// ArchiveAndReset returns every terminal order and removes it from the
// live day-book, leaving Pending/Alive/PartiallyFilled orders in place —
// the end-of-day archival step.
func (d *Daybook) ArchiveAndReset() []types.Order {
	d.mu.Lock()
	defer d.mu.Unlock()

	var archived []types.Order
	for id, o := range d.orders {
		if o.Status.Terminal() {
			archived = append(archived, *o)
			delete(d.orders, id)
		}
	}
	return archived
}
