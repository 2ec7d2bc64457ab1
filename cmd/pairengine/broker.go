package main

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"

	"github.com/metarpc-labs/pairengine/internal/broker"
	"github.com/metarpc-labs/pairengine/internal/broker/brokertest"
	"github.com/metarpc-labs/pairengine/internal/broker/grpcclient"
)

// newBrokerClient builds the broker.Client for the requested backend.
//
//   - "fake" drives the engine against brokertest.Fake, an in-module
//     paper-trading backend — useful for dry runs and demoing the engine
//     without a live account.
//   - "live" dials a real MT5 gRPC endpoint via grpcclient.Dial and then
//     needs a concrete AccountSub/MarketSub/TradeSub triple. Those three
//     interfaces are deliberately narrow (internal/broker/grpcclient) so
//     that wiring a real MetaRPC MT5 session requires only a thin adapter
//     over that vendor's generated protobuf client — a client this module
//     does not vendor or fabricate a stand-in for. newLiveSubClients is
//     the single seam where that adapter plugs in.
func newBrokerClient(ctx context.Context, mode string) (broker.Client, func() error, error) {
	switch mode {
	case "fake":
		return brokertest.New(), func() error { return nil }, nil
	case "live":
		return newLiveBrokerClient(ctx)
	default:
		return nil, nil, fmt.Errorf("unknown broker mode %q (want live|fake)", mode)
	}
}

func newLiveBrokerClient(ctx context.Context) (broker.Client, func() error, error) {
	cfg := grpcclient.Config{
		Host:           envOr("MT5_HOST", ""),
		GrpcServer:     envOr("MT5_GRPC_SERVER", ""),
		ConnectTimeout: 8 * time.Second,
	}
	if cfg.Host == "" && cfg.GrpcServer == "" {
		return nil, nil, fmt.Errorf("live broker: set MT5_HOST (or MT5_GRPC_SERVER) to the MetaRPC MT5 endpoint")
	}

	conn, err := grpcclient.Dial(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("live broker: dial: %w", err)
	}

	account, market, trade, err := newLiveSubClients(conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}

	magic := int64(envOrInt("PAIRENGINE_MAGIC", 0))
	client := grpcclient.New(conn, account, market, trade, magic)
	return client, client.Close, nil
}

// newLiveSubClients is the extension point for a production deployment: it
// must return concrete grpcclient.AccountSub/MarketSub/TradeSub
// implementations generated from MetaRPC's MT5 protobuf definitions. Those
// generated stubs are proprietary and are not part of this module's
// dependency graph (no go.mod in this codebase's corpus vendors them), so
// this function intentionally fails closed rather than faking a connection
// that would silently never place an order.
func newLiveSubClients(conn *grpc.ClientConn) (grpcclient.AccountSub, grpcclient.MarketSub, grpcclient.TradeSub, error) {
	return nil, nil, nil, fmt.Errorf(
		"live broker: no AccountSub/MarketSub/TradeSub implementation wired; " +
			"plug in an adapter generated from the MetaRPC MT5 protobuf client here, or run with -broker=fake")
}

func envOrInt(key string, fallback int64) int64 {
	v := envOr(key, "")
	if v == "" {
		return fallback
	}
	var out int64
	if _, err := fmt.Sscanf(v, "%d", &out); err != nil {
		return fallback
	}
	return out
}
