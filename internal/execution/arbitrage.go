package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ArbitrageOpportunity is a cross-exchange spread that clears both fees.
type ArbitrageOpportunity struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	BuyExchange  string          `json:"buyExchange"`
	SellExchange string          `json:"sellExchange"`
	BuyPrice     decimal.Decimal `json:"buyPrice"`
	SellPrice    decimal.Decimal `json:"sellPrice"`
	Size         decimal.Decimal `json:"size"`
	SpreadPct    decimal.Decimal `json:"spreadPct"` // fraction of buy price
	GrossProfit  decimal.Decimal `json:"grossProfit"`
	Fees         decimal.Decimal `json:"fees"`
	NetProfit    decimal.Decimal `json:"netProfit"`
	DetectedAt   time.Time       `json:"detectedAt"`
	ExpiresAt    time.Time       `json:"expiresAt"`
}

// Expired reports whether the opportunity is past its expiry at now.
func (o ArbitrageOpportunity) Expired(now time.Time) bool {
	return o.ExpiresAt.Before(now)
}

// inventory is what a venue holds for one symbol.
type inventory struct {
	base, quote decimal.Decimal
}

type venueBook struct {
	venue *venue
	quote *types.Quote
	inv   inventory
}

// ScanArbitrage looks for a profitable buy-low/sell-high pair per symbol
// among venues holding the inventory to trade it.
func (r *Router) ScanArbitrage(ctx context.Context, symbols []string) ([]ArbitrageOpportunity, error) {
	venues := r.selectVenues(nil)
	if len(venues) < 2 {
		return nil, nil
	}

	found := make([]ArbitrageOpportunity, 0)
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			books := r.collectBooks(gctx, venues, symbol)
			if opp, ok := r.bestOpportunity(symbol, books); ok {
				mu.Lock()
				found = append(found, opp)
				mu.Unlock()
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(found, func(i, j int) bool { return found[i].NetProfit.GreaterThan(found[j].NetProfit) })

	r.oppMu.Lock()
	for _, opp := range found {
		r.opportunities[opp.Symbol+"|"+opp.BuyExchange+"|"+opp.SellExchange] = opp
	}
	r.oppMu.Unlock()

	for _, opp := range found {
		if r.recorder != nil {
			r.recorder.RecordArbitrageOpportunity(opp.Symbol)
		}
		r.logger.Info("Arbitrage opportunity",
			zap.String("symbol", opp.Symbol),
			zap.String("buy", opp.BuyExchange),
			zap.String("sell", opp.SellExchange),
			zap.String("spread", opp.SpreadPct.String()),
			zap.String("size", opp.Size.String()),
			zap.String("netProfit", opp.NetProfit.String()))
	}
	return found, nil
}

// collectBooks quotes the symbol and reads balances on every venue.
func (r *Router) collectBooks(ctx context.Context, venues []*venue, symbol string) []venueBook {
	base, quoteAsset := types.SplitSymbol(symbol)
	quotes := r.fetchQuotes(ctx, venues, symbol)

	books := make([]venueBook, 0, len(quotes))
	var mu sync.Mutex
	var g errgroup.Group
	for _, res := range quotes {
		if res.err != nil {
			r.logger.Debug("Skipping venue for arbitrage", zap.String("exchange", res.venue.info.Name), zap.Error(res.err))
			continue
		}
		res := res
		g.Go(func() error {
			inv := inventory{}
			var err error
			if inv.base, err = res.venue.client.Balance(ctx, base); err != nil {
				inv.base = decimal.Zero
			}
			if inv.quote, err = res.venue.client.Balance(ctx, quoteAsset); err != nil {
				inv.quote = decimal.Zero
			}
			mu.Lock()
			books = append(books, venueBook{venue: res.venue, quote: res.quote, inv: inv})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return books
}

// bestOpportunity tries every buy/sell venue pair and keeps the one with
// the largest net profit.
func (r *Router) bestOpportunity(symbol string, books []venueBook) (ArbitrageOpportunity, bool) {
	var best ArbitrageOpportunity
	found := false
	for i := range books {
		for j := range books {
			if i == j {
				continue
			}
			opp, ok := r.evaluatePair(symbol, &books[i], &books[j])
			if ok && (!found || opp.NetProfit.GreaterThan(best.NetProfit)) {
				best, found = opp, true
			}
		}
	}
	return best, found
}

func (r *Router) evaluatePair(symbol string, buy, sell *venueBook) (ArbitrageOpportunity, bool) {
	if !buy.inv.quote.IsPositive() || !sell.inv.base.IsPositive() {
		return ArbitrageOpportunity{}, false
	}

	spread := sell.quote.Bid.Sub(buy.quote.Ask).Div(buy.quote.Ask)
	if !spread.GreaterThan(r.config.MinArbitrageSpread) {
		return ArbitrageOpportunity{}, false
	}

	size := decimal.Min(sell.inv.base, buy.inv.quote.Div(buy.quote.Ask))
	if buy.quote.AskSize.IsPositive() {
		size = decimal.Min(size, buy.quote.AskSize)
	}
	if sell.quote.BidSize.IsPositive() {
		size = decimal.Min(size, sell.quote.BidSize)
	}
	if !size.IsPositive() {
		return ArbitrageOpportunity{}, false
	}

	cost := buy.quote.Ask.Mul(size)
	proceeds := sell.quote.Bid.Mul(size)
	fees := cost.Mul(buy.venue.info.TakerFee).Add(proceeds.Mul(sell.venue.info.TakerFee))
	gross := proceeds.Sub(cost)
	net := gross.Sub(fees)
	if !net.IsPositive() {
		return ArbitrageOpportunity{}, false
	}

	now := r.now()
	return ArbitrageOpportunity{
		ID:           uuid.New().String(),
		Symbol:       symbol,
		BuyExchange:  buy.venue.info.Name,
		SellExchange: sell.venue.info.Name,
		BuyPrice:     buy.quote.Ask,
		SellPrice:    sell.quote.Bid,
		Size:         size,
		SpreadPct:    spread,
		GrossProfit:  gross,
		Fees:         fees,
		NetProfit:    net,
		DetectedAt:   now,
		ExpiresAt:    now.Add(r.config.OpportunityTTL),
	}, true
}

// Opportunities returns unexpired opportunities, most profitable first, and
// drops expired ones from the book.
func (r *Router) Opportunities() []ArbitrageOpportunity {
	now := r.now()
	r.oppMu.Lock()
	defer r.oppMu.Unlock()

	out := make([]ArbitrageOpportunity, 0, len(r.opportunities))
	for key, opp := range r.opportunities {
		if opp.Expired(now) {
			delete(r.opportunities, key)
			continue
		}
		out = append(out, opp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NetProfit.GreaterThan(out[j].NetProfit) })
	return out
}
