package handler

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"testing"

	"github.com/dohguard/dohguard/config"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPolicy struct {
	blocked bool
	err     error

	user, domain string
	calls        int
}

func (p *stubPolicy) Check(ctx context.Context, user, domain string) (bool, error) {
	p.user, p.domain = user, domain
	p.calls++

	return p.blocked, p.err
}

type stubResolver struct {
	resp  *dns.Msg
	err   error
	calls int
}

func (r *stubResolver) Query(ctx context.Context, req *dns.Msg, clientIP net.IP) (*dns.Msg, error) {
	r.calls++

	if r.resp != nil {
		r.resp.SetReply(req)
	}

	return r.resp, r.err
}

func packQuery(t *testing.T, name string) []byte {
	t.Helper()

	req := new(dns.Msg)
	req.SetQuestion(name, dns.TypeA)

	data, err := req.Pack()
	require.NoError(t, err)

	return data
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func upstreamAnswer(ttls ...uint32) *dns.Msg {
	msg := new(dns.Msg)
	for _, ttl := range ttls {
		msg.Answer = append(msg.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
			A:   net.ParseIP("192.0.2.1"),
		})
	}

	return msg
}

func newTestHandler(policy *stubPolicy, resolver *stubResolver, debug bool) *Handler {
	cfg := new(config.Config)
	cfg.Debug = debug

	return New(cfg, policy, resolver)
}

func query(body []byte, auth string) *Query {
	return &Query{
		Body:          body,
		ClientIP:      net.ParseIP("127.0.0.1"),
		Authorization: auth,
		Method:        http.MethodPost,
	}
}

func Test_Malformed(t *testing.T) {
	h := newTestHandler(&stubPolicy{}, &stubResolver{}, false)

	reply := h.ServeQuery(context.Background(), query([]byte{0xde, 0xad}, ""))
	assert.Equal(t, http.StatusBadRequest, reply.Status)
	assert.Equal(t, "Malformed DNS query", string(reply.Body))
}

func Test_MalformedDebug(t *testing.T) {
	h := newTestHandler(&stubPolicy{}, &stubResolver{}, true)

	reply := h.ServeQuery(context.Background(), query([]byte{0xde, 0xad}, ""))
	assert.Equal(t, http.StatusBadRequest, reply.Status)
	assert.NotEqual(t, "Malformed DNS query", string(reply.Body))
	assert.NotEmpty(t, reply.Body)
}

func Test_Resolved(t *testing.T) {
	resolver := &stubResolver{resp: upstreamAnswer(10, 300)}
	h := newTestHandler(&stubPolicy{}, resolver, false)

	reply := h.ServeQuery(context.Background(), query(packQuery(t, "example.com."), ""))
	require.Equal(t, http.StatusOK, reply.Status)
	assert.Equal(t, MediaType, reply.ContentType)
	assert.Equal(t, "max-age=10", reply.CacheControl)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(reply.Body))
	assert.Len(t, msg.Answer, 2)
}

func Test_ResolvedEmptyAnswer(t *testing.T) {
	resolver := &stubResolver{resp: upstreamAnswer()}
	h := newTestHandler(&stubPolicy{}, resolver, false)

	reply := h.ServeQuery(context.Background(), query(packQuery(t, "example.com."), ""))
	require.Equal(t, http.StatusOK, reply.Status)
	assert.Empty(t, reply.CacheControl)
}

func Test_Blocked(t *testing.T) {
	policy := &stubPolicy{blocked: true}
	resolver := &stubResolver{resp: upstreamAnswer(60)}
	h := newTestHandler(policy, resolver, false)

	body := packQuery(t, "ads.example.com.")
	reply := h.ServeQuery(context.Background(), query(body, basicAuth("alice", "secret")))

	require.Equal(t, http.StatusOK, reply.Status)
	assert.Equal(t, "max-age=300", reply.CacheControl)

	// blocked queries never reach the upstream
	assert.Equal(t, 0, resolver.calls)
	assert.Equal(t, "alice", policy.user)
	assert.Equal(t, "ads.example.com", policy.domain)

	req := new(dns.Msg)
	require.NoError(t, req.Unpack(body))

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(reply.Body))
	require.Len(t, msg.Answer, 1)
	assert.Equal(t, req.Id, msg.Id)

	a, ok := msg.Answer[0].(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "0.0.0.0", a.A.String())
	assert.Equal(t, uint32(300), a.Hdr.Ttl)
}

func Test_Unauthenticated(t *testing.T) {
	policy := &stubPolicy{blocked: true}
	resolver := &stubResolver{resp: upstreamAnswer(60)}
	h := newTestHandler(policy, resolver, false)

	reply := h.ServeQuery(context.Background(), query(packQuery(t, "ads.example.com."), ""))
	require.Equal(t, http.StatusOK, reply.Status)

	// no credential, no policy check, normal resolution
	assert.Equal(t, 0, policy.calls)
	assert.Equal(t, 1, resolver.calls)
}

func Test_BadCredential(t *testing.T) {
	policy := &stubPolicy{blocked: true}
	resolver := &stubResolver{resp: upstreamAnswer(60)}
	h := newTestHandler(policy, resolver, false)

	reply := h.ServeQuery(context.Background(), query(packQuery(t, "example.com."), "Basic %%%"))
	require.Equal(t, http.StatusOK, reply.Status)

	assert.Equal(t, 0, policy.calls)
	assert.Equal(t, 1, resolver.calls)
}

func Test_PolicyFailOpen(t *testing.T) {
	policy := &stubPolicy{err: errors.New("connection refused")}
	resolver := &stubResolver{resp: upstreamAnswer(60)}
	h := newTestHandler(policy, resolver, false)

	reply := h.ServeQuery(context.Background(), query(packQuery(t, "example.com."), basicAuth("alice", "secret")))
	require.Equal(t, http.StatusOK, reply.Status)

	assert.Equal(t, 1, policy.calls)
	assert.Equal(t, 1, resolver.calls)
}

func Test_UpstreamFailOpen(t *testing.T) {
	resolver := &stubResolver{err: errors.New("i/o timeout")}
	h := newTestHandler(&stubPolicy{}, resolver, false)

	body := packQuery(t, "example.com.")
	reply := h.ServeQuery(context.Background(), query(body, ""))

	// never a 5xx for resolution failures, a synthesized answer instead
	require.Equal(t, http.StatusOK, reply.Status)
	assert.Equal(t, "max-age=300", reply.CacheControl)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(reply.Body))
	require.Len(t, msg.Answer, 1)
}

func Test_Head(t *testing.T) {
	resolver := &stubResolver{resp: upstreamAnswer(60)}
	h := newTestHandler(&stubPolicy{}, resolver, false)

	q := query(packQuery(t, "example.com."), "")
	q.Method = http.MethodHead

	reply := h.ServeQuery(context.Background(), q)
	require.Equal(t, http.StatusOK, reply.Status)
	assert.Equal(t, "max-age=60", reply.CacheControl)
	assert.Empty(t, reply.Body)
}
