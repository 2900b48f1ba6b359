package matching

import (
	"strconv"
	"testing"

	"perpcore/domain/orderbook"
)

func BenchmarkSubmitResting(b *testing.B) {
	e, _, _ := newTestEngine()
	cmds := make([]PlaceOrder, 64)
	for i := range cmds {
		cmds[i] = limit("alice", orderbook.Buy, strconv.Itoa(1000+i), "1")
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Submit(cmds[i%len(cmds)]); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSubmitCrossing(b *testing.B) {
	e, _, _ := newTestEngine()
	ask := limit("maker", orderbook.Sell, "100", "1")
	bid := limit("taker", orderbook.Buy, "100", "1")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Submit(ask); err != nil {
			b.Fatal(err)
		}
		if _, err := e.Submit(bid); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCancel(b *testing.B) {
	e, _, _ := newTestEngine()
	ids := make([]string, b.N)
	for i := range ids {
		res, err := e.Submit(limit("alice", orderbook.Buy, "100", "1"))
		if err != nil {
			b.Fatal(err)
		}
		ids[i] = res.Order.ID
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Cancel(CancelOrder{OrderID: ids[i]}); err != nil {
			b.Fatal(err)
		}
	}
}
