// Package resolver forwards permitted queries to the upstream resolver.
package resolver

import (
	"context"
	"encoding/binary"
	"errors"
	"net"

	"github.com/dohguard/dohguard/config"
	"github.com/dohguard/dohguard/dnsutil"
	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
)

// Resolver type
type Resolver struct {
	addr    string
	timeout config.Duration
	ecs     bool
}

// New return resolver
func New(cfg *config.Config) *Resolver {
	return &Resolver{
		addr:    cfg.Upstream,
		timeout: cfg.Timeout,
		ecs:     cfg.ECS,
	}
}

// Query exchanges the request with the upstream resolver, tagging it
// with the client's subnet when ECS is enabled. UDP first, falling back
// to TCP on truncation.
func (r *Resolver) Query(ctx context.Context, req *dns.Msg, clientIP net.IP) (*dns.Msg, error) {
	if r.addr == "" {
		return nil, ErrNoUpstream
	}

	if r.ecs && clientIP != nil {
		if dnsutil.SetECS(req, clientIP) {
			zlog.Debug("ECS option set", "client", clientIP.String())
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout.Duration)
	defer cancel()

	client := dns.Client{Net: "udp"}
	resp, _, err := client.ExchangeContext(ctx, req, r.addr)
	if err != nil {
		return nil, err
	}

	if resp.Truncated {
		return r.exchangeTCP(ctx, req)
	}

	return resp, nil
}

// exchangeTCP performs one length-prefixed exchange over TCP.
func (r *Resolver) exchangeTCP(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}

	packed, err := req.Pack()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 2, 2+len(packed))
	binary.BigEndian.PutUint16(out, uint16(len(packed)))
	out = append(out, packed...)

	if _, err := conn.Write(out); err != nil {
		return nil, err
	}

	var resp *dns.Msg

	buf := make([]byte, 0, dnsutil.DefaultMsgSize)
	chunk := make([]byte, dnsutil.DefaultMsgSize)

	for resp == nil {
		n, err := conn.Read(chunk)
		if err != nil {
			return nil, err
		}

		buf = append(buf, chunk[:n]...)

		buf, err = dnsutil.HandleTCPData(buf, func(msg *dns.Msg) {
			if resp == nil {
				resp = msg
			}
		})
		if err != nil {
			return nil, err
		}
	}

	return resp, nil
}

// ErrNoUpstream returned when no upstream address is configured.
var ErrNoUpstream = errors.New("no upstream resolver configured")
