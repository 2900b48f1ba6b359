// Package orderbook holds the per-pair bid/ask ladder and its matching
// primitive. Each side is a red-black tree of price levels keyed by price
// tick; each level is a FIFO queue, so arrival order is the only tie-break
// at a price.
//
// The book is single-writer. It never validates orders or assigns sequence
// numbers; the matching engine does that before calling in.
package orderbook
