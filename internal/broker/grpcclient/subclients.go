package grpcclient

import "context"

// The sub-client interfaces below are the seam spec.md §9 calls for:
// "the core takes capability handles, not global lookups." A specific
// broker's generated protobuf stubs satisfy these interfaces at the
// composition root; grpcclient itself never imports them. Request/response
// shapes are this package's own plain structs rather than protobuf messages
// so that no vendor .proto is required to compile the adapter — the
// concrete RPC implementation (wire marshaling) lives in whatever stub the
// caller injects.

// AccountSub is the account/connection RPC surface.
type AccountSub interface {
	AccountSummary(ctx context.Context) (AccountSummaryReply, error)
	CheckConnect(ctx context.Context) (bool, error)
}

// MarketSub is the symbol/quote RPC surface.
type MarketSub interface {
	SymbolParams(ctx context.Context, symbol string) (SymbolParamsReply, error)
	SymbolTick(ctx context.Context, symbol string) (TickReply, error)
}

// TradeSub is the trading RPC surface.
type TradeSub interface {
	PositionsGet(ctx context.Context, magic int64, symbol string) ([]PositionReply, error)
	HistoryDeals(ctx context.Context, fromUnix, toUnix int64) ([]DealReply, error)
	OrderSend(ctx context.Context, req OrderSendRequest) (OrderSendReply, error)
	PositionClose(ctx context.Context, ticket uint64) (OrderSendReply, error)
}

// AccountSummaryReply mirrors pb.AccountSummaryReply's essential fields.
type AccountSummaryReply struct {
	Balance     float64
	Equity      float64
	Margin      float64
	MarginFree  float64
	MarginLevel float64
	Profit      float64
}

// SymbolParamsReply mirrors the symbol spec RPC reply.
type SymbolParamsReply struct {
	ContractSize float64
	LotStep      float64
	VolumeMin    float64
	VolumeMax    float64
	TickSize     float64
}

// TickReply mirrors a tick quote RPC reply.
type TickReply struct {
	Bid       float64
	Ask       float64
	TimeUnix  int64
}

// PositionReply mirrors one position in a positions_get reply.
type PositionReply struct {
	Ticket       uint64
	Symbol       string
	IsBuy        bool
	Volume       float64
	PriceOpen    float64
	PriceCurrent float64
	Profit       float64
	Swap         float64
	Magic        int64
	Comment      string
	OpenTimeUnix int64
}

// DealEntryKind mirrors MT5's ENTRY_IN/ENTRY_OUT.
type DealEntryKind int

const (
	DealEntryInRPC DealEntryKind = iota
	DealEntryOutRPC
)

// DealReply mirrors one deal in a history_deals_get reply.
type DealReply struct {
	Ticket     uint64
	Symbol     string
	Magic      int64
	Entry      DealEntryKind
	Profit     float64
	Commission float64
	Swap       float64
	TimeUnix   int64
}

// OrderSendRequest mirrors a TRADE_ACTION_DEAL market order request.
type OrderSendRequest struct {
	Symbol          string
	IsBuy           bool
	Volume          float64
	DeviationPoints int32
	Magic           int64
	Comment         string
}

// OrderSendReply mirrors an order_send result.
type OrderSendReply struct {
	Success bool
	Ticket  uint64
	Volume  float64
	Price   float64
	RetCode int32
	Comment string
}
