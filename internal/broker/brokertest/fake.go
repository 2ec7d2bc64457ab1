// Package brokertest provides an in-memory broker.Client fake for unit tests
// across the engine's internal packages, so each package's tests don't need
// to hand-roll a mock of the full interface.
package brokertest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/metarpc-labs/pairengine/internal/broker"
)

// Fake is a scriptable in-memory broker.Client.
type Fake struct {
	mu sync.Mutex

	Account     broker.AccountInfo
	Symbols     map[string]broker.SymbolSpec
	Ticks       map[string]broker.Tick
	Positions   map[uint64]broker.Position
	Deals       []broker.Deal
	NextTicket  uint64
	FailOrders  bool // forces every OrderSend to fail
	FailSymbols map[string]bool

	Sent []broker.OrderRequest
}

func New() *Fake {
	return &Fake{
		Symbols:    map[string]broker.SymbolSpec{},
		Ticks:      map[string]broker.Tick{},
		Positions:  map[uint64]broker.Position{},
		NextTicket: 1000,
	}
}

func (f *Fake) Initialize(ctx context.Context) error { return nil }
func (f *Fake) Healthy(ctx context.Context) bool     { return true }

func (f *Fake) AccountInfo(ctx context.Context) (broker.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Account, nil
}

func (f *Fake) SymbolInfo(ctx context.Context, symbol string) (broker.SymbolSpec, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Symbols[symbol], nil
}

func (f *Fake) SymbolInfoTick(ctx context.Context, symbol string) (broker.Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Ticks[symbol], nil
}

func (f *Fake) PositionsGet(ctx context.Context, filter broker.PositionsFilter) ([]broker.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broker.Position, 0, len(f.Positions))
	for _, p := range f.Positions {
		if filter.Symbol != "" && p.Symbol != filter.Symbol {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *Fake) HistoryDealsGet(ctx context.Context, from, to time.Time) ([]broker.Deal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broker.Deal, 0, len(f.Deals))
	for _, d := range f.Deals {
		if d.Time.Before(from) || d.Time.After(to) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (f *Fake) OrderSend(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, req)
	if f.FailOrders {
		return broker.OrderResult{Success: false, Comment: "fake: forced failure"}, nil
	}
	ticket := atomic.AddUint64(&f.NextTicket, 1)
	price := f.Ticks[req.Symbol].Ask
	if req.Side == broker.SideSell {
		price = f.Ticks[req.Symbol].Bid
	}
	f.Positions[ticket] = broker.Position{
		Ticket:       ticket,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Volume:       req.Volume,
		PriceOpen:    price,
		PriceCurrent: price,
		Magic:        req.Magic,
		Comment:      req.Comment,
		OpenTime:     time.Now(),
	}
	return broker.OrderResult{Success: true, Ticket: ticket, Volume: req.Volume, Price: price}, nil
}

func (f *Fake) ClosePosition(ctx context.Context, ticket uint64) (broker.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos, ok := f.Positions[ticket]
	if !ok {
		return broker.OrderResult{Success: false, Comment: "fake: unknown ticket"}, nil
	}
	delete(f.Positions, ticket)
	return broker.OrderResult{Success: true, Ticket: ticket, Volume: pos.Volume, Price: pos.PriceCurrent}, nil
}

var _ broker.Client = (*Fake)(nil)
