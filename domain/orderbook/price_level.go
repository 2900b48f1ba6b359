package orderbook

import "perpcore/domain/fixed"

// PriceLevel is a FIFO queue at a single price tick.
type PriceLevel struct {
	Price fixed.Decimal
	Tick  int64

	head *Order
	tail *Order

	TotalQty   fixed.Decimal
	OrderCount int
}

func (p *PriceLevel) Enqueue(o *Order) {
	if p.head == nil {
		p.head = o
		p.tail = o
	} else {
		p.tail.next = o
		o.prev = p.tail
		p.tail = o
	}
	p.TotalQty = p.TotalQty.Add(o.Remaining())
	p.OrderCount++
}

// Remove unlinks o from anywhere in the queue.
func (p *PriceLevel) Remove(o *Order) {
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		p.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		p.tail = o.prev
	}
	o.next = nil
	o.prev = nil

	p.TotalQty = p.TotalQty.Sub(o.Remaining())
	p.OrderCount--
}

func (p *PriceLevel) PopHead() *Order {
	o := p.head
	if o == nil {
		return nil
	}
	p.Remove(o)
	return o
}

// reduce accounts for a partial execution of a resting order.
func (p *PriceLevel) reduce(qty fixed.Decimal) {
	p.TotalQty = p.TotalQty.Sub(qty)
}

func (p *PriceLevel) Empty() bool {
	return p.head == nil
}

// Read-only helper
func (p *PriceLevel) Head() *Order {
	return p.head
}
