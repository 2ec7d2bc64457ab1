// Package grpcclient is the one concrete broker.Client adapter shipped with
// the engine. It wires a gRPC transport using the exact connection recipe
// the teacher library uses for its MT5 session (examples/mt5/MT5Account.go:
// TLS 1.2 floor, blocking dial with an 8s timeout, keepalive ping every 20s,
// exponential backoff with jitter) but never imports a vendor-specific
// generated client: the three narrow sub-clients below are supplied by the
// binary's composition root, so swapping broker wire protocols never touches
// this package's retry/connection logic.
package grpcclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"github.com/google/uuid"
)

// Config holds the connection parameters, mirroring MT5Account's exported
// fields (User, Password, Host, Port, ServerName, GrpcServer, ConnectTimeout).
type Config struct {
	Host           string
	Port           int
	GrpcServer     string // host:port; derived from Host/Port if empty
	ConnectTimeout time.Duration
	InsecureSkipTLS bool // test-only escape hatch, never set in production config
}

// Dial opens a gRPC connection using the same TLS/backoff/keepalive recipe as
// the teacher's NewMT5Account.
func Dial(ctx context.Context, cfg Config) (*grpc.ClientConn, error) {
	server := cfg.GrpcServer
	if server == "" {
		if cfg.Port == 0 {
			cfg.Port = 443
		}
		server = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	host := server
	if strings.Contains(host, ":") {
		if h, _, err := net.SplitHostPort(server); err == nil {
			host = h
		}
	}

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipTLS,
	}
	if ip := net.ParseIP(host); ip == nil && host != "" {
		tlsCfg.ServerName = host
	}

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 8 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bcfg := backoff.Config{
		BaseDelay:  200 * time.Millisecond,
		Multiplier: 1.6,
		Jitter:     0.2,
		MaxDelay:   3 * time.Second,
	}
	kp := keepalive.ClientParameters{
		Time:                20 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	conn, err := grpc.DialContext(
		dctx,
		server,
		grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)),
		grpc.WithBlock(),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           bcfg,
			MinConnectTimeout: 5 * time.Second,
		}),
		grpc.WithKeepaliveParams(kp),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial failed to %s: %w", server, err)
	}
	return conn, nil
}

// newSessionID returns a fresh random UUID for use as a per-connection
// identifier; nothing in this package attaches it to outgoing metadata.
func newSessionID() uuid.UUID {
	return uuid.New()
}
