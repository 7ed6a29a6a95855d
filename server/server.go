// Package server terminates HTTP(S) for the DOH proxy.
package server

import (
	"io"
	"net"
	"net/http"
	"time"

	"github.com/dohguard/dohguard/config"
	"github.com/dohguard/dohguard/dnsutil"
	"github.com/dohguard/dohguard/handler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/semihalev/zlog/v2"
)

// Server type
type Server struct {
	addr    string
	tlsAddr string
	apiAddr string
	uri     string

	certManager *CertManager

	handler    *handler.Handler
	accessList *AccessList
	rateLimit  *RateLimit
}

// New return new server
func New(cfg *config.Config, h *handler.Handler) (*Server, error) {
	if cfg.Bind == "" {
		cfg.Bind = ":8053"
	}

	server := &Server{
		addr:       cfg.Bind,
		tlsAddr:    cfg.BindTLS,
		apiAddr:    cfg.API,
		uri:        cfg.URI,
		handler:    h,
		accessList: NewAccessList(cfg.AccessList),
		rateLimit:  NewRateLimit(cfg.ClientRateLimit),
	}

	if cfg.BindTLS != "" {
		cm, err := NewCertManager(cfg.TLSCertificate, cfg.TLSPrivateKey)
		if err != nil {
			return nil, err
		}
		server.certManager = cm
	}

	return server, nil
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := remoteIP(r)

	if !s.accessList.Allowed(clientIP) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	if !s.rateLimit.Allow(clientIP) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	if r.URL.Path != s.uri {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	var body []byte

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		if !r.URL.Query().Has("dns") {
			http.Error(w, "Missing Body Parameter", http.StatusBadRequest)
			return
		}

		buf, err := dnsutil.B64Decode(r.URL.Query().Get("dns"))
		if err != nil {
			http.Error(w, "Invalid Body Parameter", http.StatusBadRequest)
			return
		}

		if len(buf) == 0 {
			http.Error(w, "Missing Body", http.StatusBadRequest)
			return
		}

		body = buf
	case http.MethodPost:
		if r.Header.Get("Content-Type") != handler.MediaType {
			http.Error(w, "Unsupported content type", http.StatusUnsupportedMediaType)
			return
		}

		buf, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		defer r.Body.Close()

		body = buf
	default:
		http.Error(w, "Not Implemented", http.StatusNotImplemented)
		return
	}

	reply := s.handler.ServeQuery(r.Context(), &handler.Query{
		Body:          body,
		ClientIP:      clientIP,
		Forwarded:     r.Header.Values("X-Forwarded-For"),
		Authorization: r.Header.Get("Authorization"),
		Method:        r.Method,
	})

	w.Header().Set("Content-Type", reply.ContentType)
	if reply.CacheControl != "" {
		w.Header().Set("Cache-Control", reply.CacheControl)
	}

	w.WriteHeader(reply.Status)
	_, _ = w.Write(reply.Body)
}

// Run listen the services
func (s *Server) Run() {
	go s.ListenAndServeHTTP()
	go s.ListenAndServeHTTPTLS()
	go s.ListenAndServeAPI()
}

// ListenAndServeHTTP starts the plain HTTP listener.
func (s *Server) ListenAndServeHTTP() {
	zlog.Info("DOH server listening...", "net", "http", "addr", s.addr)

	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil {
		zlog.Error("DOH listener failed", "net", "http", "addr", s.addr, "error", err.Error())
	}
}

// ListenAndServeHTTPTLS starts the TLS listener with hot certificate reload.
func (s *Server) ListenAndServeHTTPTLS() {
	if s.tlsAddr == "" {
		return
	}

	zlog.Info("DOH server listening...", "net", "https", "addr", s.tlsAddr)

	srv := &http.Server{
		Addr:         s.tlsAddr,
		Handler:      s,
		TLSConfig:    s.certManager.GetTLSConfig(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	if err := srv.ListenAndServeTLS("", ""); err != nil {
		zlog.Error("DOH listener failed", "net", "https", "addr", s.tlsAddr, "error", err.Error())
	}
}

// ListenAndServeAPI exposes prometheus metrics when configured.
func (s *Server) ListenAndServeAPI() {
	if s.apiAddr == "" {
		return
	}

	zlog.Info("API server listening...", "addr", s.apiAddr)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	if err := http.ListenAndServe(s.apiAddr, mux); err != nil {
		zlog.Error("API listener failed", "addr", s.apiAddr, "error", err.Error())
	}
}

func remoteIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	return net.ParseIP(host)
}
