// Package handler bridges DOH requests to the policy service and the
// upstream resolver.
package handler

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dohguard/dohguard/config"
	"github.com/dohguard/dohguard/dnsutil"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/semihalev/zlog/v2"
)

const (
	// MediaType is the DOH wire format media type (RFC 8484).
	MediaType = "application/dns-message"

	blockedTTL = 300
)

// PolicyChecker answers blocklist membership checks.
type PolicyChecker interface {
	Check(ctx context.Context, user, domain string) (bool, error)
}

// Resolver forwards a query to the upstream resolver.
type Resolver interface {
	Query(ctx context.Context, req *dns.Msg, clientIP net.IP) (*dns.Msg, error)
}

// Query is one DOH request handed over by the frontend.
type Query struct {
	Body          []byte
	ClientIP      net.IP
	Forwarded     []string
	Authorization string
	Method        string
}

// Reply is the HTTP response the frontend relays verbatim.
type Reply struct {
	Status       int
	Body         []byte
	ContentType  string
	CacheControl string
}

// Handler type
type Handler struct {
	cfg      *config.Config
	policy   PolicyChecker
	resolver Resolver

	queries      *prometheus.CounterVec
	blocked      prometheus.Counter
	policyErrors prometheus.Counter
}

// New return handler
func New(cfg *config.Config, policy PolicyChecker, resolver Resolver) *Handler {
	h := &Handler{
		cfg:      cfg,
		policy:   policy,
		resolver: resolver,

		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "doh_queries_total",
				Help: "How many DOH queries processed",
			},
			[]string{"qtype", "rcode"},
		),
		blocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doh_blocked_total",
			Help: "How many queries answered from the blocklist",
		}),
		policyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "doh_policy_errors_total",
			Help: "How many policy checks failed open",
		}),
	}

	prometheus.Register(h.queries)
	prometheus.Register(h.blocked)
	prometheus.Register(h.policyErrors)

	return h
}

// ServeQuery decodes the DNS query, consults the policy service,
// resolves upstream and builds the DOH reply. Policy and upstream
// failures never surface as HTTP errors, only malformed input does.
func (h *Handler) ServeQuery(ctx context.Context, q *Query) *Reply {
	start := time.Now()

	req := new(dns.Msg)
	if err := req.Unpack(q.Body); err != nil {
		body := "Malformed DNS query"
		if h.cfg.Debug {
			body = err.Error()
		}

		zlog.Debug("Query unpack failed", "client", q.ClientIP.String(), "error", err.Error())

		return &Reply{Status: http.StatusBadRequest, Body: []byte(body), ContentType: "text/plain"}
	}

	blocked := false

	if user, domain, ok := h.authenticate(q.Authorization, req); ok {
		var err error

		blocked, err = h.policy.Check(ctx, user, domain)
		if err != nil {
			// fail open: an unreachable policy service never
			// breaks resolution
			zlog.Warn("Policy check failed", "user", user, "domain", domain, "error", err.Error())
			h.policyErrors.Inc()
			blocked = false
		}
	}

	var resp *dns.Msg

	if blocked {
		h.blocked.Inc()
	} else {
		var err error

		resp, err = h.resolver.Query(ctx, req, q.ClientIP)
		if err != nil {
			zlog.Warn("Upstream query failed", "client", q.ClientIP.String(), "error", err.Error())
			resp = nil
		}
	}

	reply, resp := h.buildReply(req, resp, q.Method)

	h.logRequest(q, resp, start)

	qtype := "NONE"
	if len(req.Question) > 0 {
		qtype = dns.TypeToString[req.Question[0].Qtype]
	}
	h.queries.With(prometheus.Labels{"qtype": qtype, "rcode": dns.RcodeToString[resp.Rcode]}).Inc()

	return reply
}

// authenticate extracts the user from the Authorization credential and
// the domain from the first question. Any failure is logged and the
// request proceeds unauthenticated.
func (h *Handler) authenticate(authorization string, req *dns.Msg) (user, domain string, ok bool) {
	if authorization == "" || len(req.Question) == 0 {
		return "", "", false
	}

	fields := strings.Fields(authorization)
	if len(fields) < 2 {
		zlog.Warn("Authorization header malformed")
		return "", "", false
	}

	cred, err := dnsutil.B64Decode(fields[1])
	if err != nil {
		zlog.Warn("Authorization credential decode failed", "error", err.Error())
		return "", "", false
	}

	user, _, _ = strings.Cut(string(cred), ":")
	domain = strings.TrimSuffix(req.Question[0].Name, ".")

	return user, domain, true
}

// buildReply packs the answer. A missing answer, blocked or upstream
// failure, synthesizes a low-TTL nullroute reply from the query.
func (h *Handler) buildReply(req, resp *dns.Msg, method string) (*Reply, *dns.Msg) {
	reply := &Reply{Status: http.StatusOK, ContentType: MediaType}

	if resp == nil {
		resp = new(dns.Msg)
		resp.SetReply(req)
		resp.RecursionAvailable = true

		if len(req.Question) > 0 {
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{
					Name:   req.Question[0].Name,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    blockedTTL,
				},
				A: net.IPv4zero,
			})
		}

		reply.CacheControl = "max-age=" + strconv.Itoa(blockedTTL)
	} else if ttl, ok := dnsutil.MinimalTTL(resp); ok {
		reply.CacheControl = "max-age=" + strconv.FormatUint(uint64(ttl), 10)
	}

	packed, err := resp.Pack()
	if err != nil {
		zlog.Error("Answer pack failed", "error", err.Error())
		return &Reply{Status: http.StatusInternalServerError, Body: []byte("Internal Server Error"), ContentType: "text/plain"}, resp
	}

	if method != http.MethodHead {
		reply.Body = packed
	}

	return reply, resp
}

func (h *Handler) logRequest(q *Query, resp *dns.Msg, start time.Time) {
	question := "<empty>"
	if len(resp.Question) > 0 {
		question = dnsutil.FormatQuestion(resp.Question[0])
	}

	edns := "-"
	if opt := resp.IsEdns0(); opt != nil {
		edns = "edns0"
	}

	zlog.Info("DOH request",
		"client", q.ClientIP.String(),
		"forwarded", strings.Join(q.Forwarded, ","),
		"query", question,
		"id", resp.Id,
		"flags", dnsutil.FormatFlags(resp),
		"answer", len(resp.Answer),
		"authority", len(resp.Ns),
		"additional", len(resp.Extra),
		"edns", edns,
		"rcode", dns.RcodeToString[resp.Rcode],
		"latency", time.Since(start).Milliseconds())
}
