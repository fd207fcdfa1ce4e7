// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pipeline

import (
	"bytes"
	"math"
	"sort"

	"github.com/darkbook/crank/crank/order"
	"github.com/huandu/skiplist"
)

// sideComparable is a skiplist.Comparable that sorts the orders of one side
// of a market by price, then by sequence number. Undisclosed prices sort
// after every disclosed price on both sides.
type sideComparable bool

const (
	bidsComparable = sideComparable(true)
	asksComparable = sideComparable(false)
)

var _ skiplist.Comparable = bidsComparable

// better is true if a price hint has priority over b on this side.
func (s sideComparable) better(a, b uint64) bool {
	switch {
	case a == b:
		return false
	case a == 0:
		return false
	case b == 0:
		return true
	case s == bidsComparable:
		return a > b
	default:
		return a < b
	}
}

func (s sideComparable) Compare(lhs, rhs interface{}) int {
	l, r := lhs.(*order.Order), rhs.(*order.Order)
	switch {
	case s.better(l.PriceHint, r.PriceHint):
		return -1
	case s.better(r.PriceHint, l.PriceHint):
		return 1
	case l.Seq < r.Seq:
		return -1
	case l.Seq > r.Seq:
		return 1
	}
	return bytes.Compare(l.Ref[:], r.Ref[:])
}

func (s sideComparable) CalcScore(key interface{}) float64 {
	hint := key.(*order.Order).PriceHint
	if hint == 0 {
		return math.MaxFloat64
	}
	if s == bidsComparable {
		return -float64(hint)
	}
	return float64(hint)
}

// book is the eligible orders of one market.
type book struct {
	market order.PairKey
	bids   *skiplist.SkipList
	asks   *skiplist.SkipList
}

func newBook(market order.PairKey) *book {
	return &book{
		market: market,
		bids:   skiplist.New(bidsComparable),
		asks:   skiplist.New(asksComparable),
	}
}

func (b *book) add(o *order.Order) {
	if o.Side == order.Buy {
		b.bids.Set(o, o)
	} else {
		b.asks.Set(o, o)
	}
}

type candidate struct {
	buy  *order.Order
	sell *order.Order
}

// crosses is false only when both prices are disclosed and the bid is below
// the ask. Otherwise only the computation can tell.
func crosses(buy, sell *order.Order) bool {
	if buy.PriceHint == 0 || sell.PriceHint == 0 {
		return true
	}
	return buy.PriceHint >= sell.PriceHint
}

// candidates pairs the i-th best bid with the i-th best ask. Pairs that
// cannot cross and self-trades are skipped.
func (b *book) candidates() []*candidate {
	var cands []*candidate
	bid, ask := b.bids.Front(), b.asks.Front()
	for bid != nil && ask != nil {
		buy, sell := bid.Value.(*order.Order), ask.Value.(*order.Order)
		bid, ask = bid.Next(), ask.Next()
		if buy.Owner == sell.Owner || !crosses(buy, sell) {
			continue
		}
		cands = append(cands, &candidate{buy: buy, sell: sell})
	}
	return cands
}

// selectCandidates groups orders by market and returns the candidate pairs
// of every market, in market order.
func selectCandidates(ords []*order.Order) []*candidate {
	books := make(map[order.PairKey]*book)
	for _, o := range ords {
		mkt := o.Pair()
		b, found := books[mkt]
		if !found {
			b = newBook(mkt)
			books[mkt] = b
		}
		b.add(o)
	}
	markets := make([]order.PairKey, 0, len(books))
	for mkt := range books {
		markets = append(markets, mkt)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].String() < markets[j].String()
	})
	var cands []*candidate
	for _, mkt := range markets {
		cands = append(cands, books[mkt].candidates()...)
	}
	return cands
}
