package grpcclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/metarpc-labs/pairengine/internal/broker"
	"github.com/metarpc-labs/pairengine/internal/brokererr"
)

// Client implements broker.Client over an injected gRPC connection and a
// triple of narrow sub-clients. It owns no vendor-specific types: AccountSub,
// MarketSub and TradeSub are whatever the composition root wires in.
type Client struct {
	conn    *grpc.ClientConn
	account AccountSub
	market  MarketSub
	trade   TradeSub

	magic int64

	mu      sync.RWMutex
	healthy bool
	id      interface{ String() string }
}

// New builds a Client. conn may be nil if the sub-clients do not need a
// shared connection (e.g. in tests with fakes); when non-nil, Close() will
// close it.
func New(conn *grpc.ClientConn, account AccountSub, market MarketSub, trade TradeSub, magic int64) *Client {
	return &Client{conn: conn, account: account, market: market, trade: trade, magic: magic}
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) Initialize(ctx context.Context) error {
	if c.account == nil {
		return brokererr.Wrap(brokererr.KindHard, brokererr.ErrNotConnected, "initialize")
	}
	ok, err := withRetry(ctx, "CheckConnect", c.account.CheckConnect)
	if err != nil {
		return brokererr.Wrap(brokererr.KindHard, err, "initialize: CheckConnect failed")
	}
	c.mu.Lock()
	c.healthy = ok
	c.mu.Unlock()
	if !ok {
		return brokererr.New(brokererr.KindHard, "initialize: terminal not alive")
	}
	return nil
}

func (c *Client) Healthy(ctx context.Context) bool {
	if c.account == nil {
		return false
	}
	ok, err := withRetry(ctx, "CheckConnect", c.account.CheckConnect)
	if err != nil {
		c.mu.Lock()
		c.healthy = false
		c.mu.Unlock()
		return false
	}
	c.mu.Lock()
	c.healthy = ok
	c.mu.Unlock()
	return ok
}

func (c *Client) AccountInfo(ctx context.Context) (broker.AccountInfo, error) {
	if c.account == nil {
		return broker.AccountInfo{}, brokererr.ErrNotConnected
	}
	reply, err := withRetry(ctx, "AccountSummary", c.account.AccountSummary)
	if err != nil {
		return broker.AccountInfo{}, brokererr.Wrap(brokererr.KindTransient, err, "account info")
	}
	return broker.AccountInfo{
		Balance:     reply.Balance,
		Equity:      reply.Equity,
		Margin:      reply.Margin,
		MarginFree:  reply.MarginFree,
		MarginLevel: reply.MarginLevel,
		Profit:      reply.Profit,
	}, nil
}

func (c *Client) SymbolInfo(ctx context.Context, symbol string) (broker.SymbolSpec, error) {
	if c.market == nil {
		return broker.SymbolSpec{}, brokererr.ErrNotConnected
	}
	reply, err := withRetry(ctx, "SymbolParams", func(ctx context.Context) (SymbolParamsReply, error) {
		return c.market.SymbolParams(ctx, symbol)
	})
	if err != nil {
		return broker.SymbolSpec{}, brokererr.Wrap(brokererr.KindTransient, err, fmt.Sprintf("symbol info %s", symbol))
	}
	return broker.SymbolSpec{
		Symbol:       symbol,
		ContractSize: reply.ContractSize,
		LotStep:      reply.LotStep,
		MinLot:       reply.VolumeMin,
		MaxLot:       reply.VolumeMax,
		TickSize:     reply.TickSize,
	}, nil
}

func (c *Client) SymbolInfoTick(ctx context.Context, symbol string) (broker.Tick, error) {
	if c.market == nil {
		return broker.Tick{}, brokererr.ErrNotConnected
	}
	reply, err := withRetry(ctx, "SymbolTick", func(ctx context.Context) (TickReply, error) {
		return c.market.SymbolTick(ctx, symbol)
	})
	if err != nil {
		return broker.Tick{}, brokererr.Wrap(brokererr.KindTransient, err, fmt.Sprintf("tick %s", symbol))
	}
	return broker.Tick{
		Bid:       reply.Bid,
		Ask:       reply.Ask,
		Timestamp: time.Unix(reply.TimeUnix, 0).UTC(),
	}, nil
}

func (c *Client) PositionsGet(ctx context.Context, filter broker.PositionsFilter) ([]broker.Position, error) {
	if c.trade == nil {
		return nil, brokererr.ErrNotConnected
	}
	magic := filter.Magic
	if magic == 0 {
		magic = c.magic
	}
	replies, err := withRetry(ctx, "PositionsGet", func(ctx context.Context) ([]PositionReply, error) {
		return c.trade.PositionsGet(ctx, magic, filter.Symbol)
	})
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindTransient, err, "positions get")
	}
	out := make([]broker.Position, 0, len(replies))
	for _, r := range replies {
		side := broker.SideSell
		if r.IsBuy {
			side = broker.SideBuy
		}
		out = append(out, broker.Position{
			Ticket:       r.Ticket,
			Symbol:       r.Symbol,
			Side:         side,
			Volume:       r.Volume,
			PriceOpen:    r.PriceOpen,
			PriceCurrent: r.PriceCurrent,
			Profit:       r.Profit,
			Swap:         r.Swap,
			Magic:        r.Magic,
			Comment:      r.Comment,
			OpenTime:     time.Unix(r.OpenTimeUnix, 0).UTC(),
		})
	}
	return out, nil
}

func (c *Client) HistoryDealsGet(ctx context.Context, from, to time.Time) ([]broker.Deal, error) {
	if c.trade == nil {
		return nil, brokererr.ErrNotConnected
	}
	replies, err := withRetry(ctx, "HistoryDeals", func(ctx context.Context) ([]DealReply, error) {
		return c.trade.HistoryDeals(ctx, from.Unix(), to.Unix())
	})
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindTransient, err, "history deals")
	}
	out := make([]broker.Deal, 0, len(replies))
	for _, r := range replies {
		entry := broker.DealEntryIn
		if r.Entry == DealEntryOutRPC {
			entry = broker.DealEntryOut
		}
		out = append(out, broker.Deal{
			Ticket:     r.Ticket,
			Symbol:     r.Symbol,
			Magic:      r.Magic,
			Entry:      entry,
			Profit:     r.Profit,
			Commission: r.Commission,
			Swap:       r.Swap,
			Time:       time.Unix(r.TimeUnix, 0).UTC(),
		})
	}
	return out, nil
}

func (c *Client) OrderSend(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if c.trade == nil {
		return broker.OrderResult{}, brokererr.ErrNotConnected
	}
	magic := req.Magic
	if magic == 0 {
		magic = c.magic
	}
	rpcReq := OrderSendRequest{
		Symbol:          req.Symbol,
		IsBuy:           req.Side == broker.SideBuy,
		Volume:          req.Volume,
		DeviationPoints: req.DeviationPoints,
		Magic:           magic,
		Comment:         req.Comment,
	}
	// Order submission is not retried on transient codes: a retried market
	// order could double-fill. A single transient failure is surfaced to
	// the caller, which must not mutate state on a failed send (spec.md §4.3).
	reply, err := c.trade.OrderSend(ctx, rpcReq)
	if err != nil {
		return broker.OrderResult{}, brokererr.Wrap(brokererr.KindTransient, err, "order send")
	}
	return broker.OrderResult{
		Success: reply.Success,
		Ticket:  reply.Ticket,
		Volume:  reply.Volume,
		Price:   reply.Price,
		RetCode: reply.RetCode,
		Comment: reply.Comment,
	}, nil
}

func (c *Client) ClosePosition(ctx context.Context, ticket uint64) (broker.OrderResult, error) {
	if c.trade == nil {
		return broker.OrderResult{}, brokererr.ErrNotConnected
	}
	reply, err := c.trade.PositionClose(ctx, ticket)
	if err != nil {
		return broker.OrderResult{}, brokererr.Wrap(brokererr.KindTransient, err, "position close")
	}
	return broker.OrderResult{
		Success: reply.Success,
		Ticket:  reply.Ticket,
		Volume:  reply.Volume,
		Price:   reply.Price,
		RetCode: reply.RetCode,
		Comment: reply.Comment,
	}, nil
}

var _ broker.Client = (*Client)(nil)
