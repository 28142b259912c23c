// Package farenadiag serves an arena's diagnostic report read-only, over
// HTTP/3, built the same way the teacher wraps quic-go's http3.Server
// behind a small lifecycle type. It never writes to the arena and never
// blocks on anything the arena's own lock already serializes.
package farenadiag

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	quic "github.com/quic-go/quic-go"
	http3 "github.com/quic-go/quic-go/http3"

	"github.com/arenarun/farena/internal/allocator"
)

// Server wraps an http3.Server lifecycle around a single read-only
// route that marshals the arena's current DiagnosticReport.
type Server struct {
	pc    net.PacketConn
	srv   *http3.Server
	close func() error
	errC  chan error
	addr  string
}

// Options configures the underlying QUIC transport.
type Options struct {
	MaxIdleTimeout  time.Duration
	KeepAlivePeriod time.Duration
}

// New builds a Server bound to addr that reports the arena's current
// diagnostic report on every GET to "/diagnostics". tlsCfg may be nil,
// in which case an ephemeral self-signed certificate is generated for
// the lifetime of the process.
func New(addr string, a *allocator.FixedArena, tlsCfg *tls.Config, opts Options) (*Server, error) {
	if tlsCfg == nil {
		cfg, err := selfSignedConfig()
		if err != nil {
			return nil, err
		}

		tlsCfg = cfg
	} else if tlsCfg.MinVersion == 0 || tlsCfg.MinVersion < tls.VersionTLS13 {
		c := tlsCfg.Clone()
		c.MinVersion = tls.VersionTLS13

		if len(c.NextProtos) == 0 {
			c.NextProtos = []string{"h3"}
		}

		tlsCfg = c
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/diagnostics", diagnosticsHandler(a))

	qc := &quic.Config{}
	if opts.MaxIdleTimeout > 0 {
		qc.MaxIdleTimeout = opts.MaxIdleTimeout
	}

	if opts.KeepAlivePeriod > 0 {
		qc.KeepAlivePeriod = opts.KeepAlivePeriod
	}

	s := &http3.Server{Addr: addr, TLSConfig: tlsCfg, Handler: mux, QUICConfig: qc}

	return &Server{srv: s, addr: addr, errC: make(chan error, 1)}, nil
}

// diagnosticsHandler serves the arena's current DiagnosticReport. A
// caller that only understands a particular report format may pass
// "?expect_version=" to ask the server to check compatibility before
// it bothers serving the body; an incompatible version is rejected
// with 409 rather than handed to a reader that can't parse it.
func diagnosticsHandler(a *allocator.FixedArena) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

			return
		}

		if expect := r.URL.Query().Get("expect_version"); expect != "" {
			compatible, err := allocator.CompatibleReportVersion(expect)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)

				return
			}

			if !compatible {
				http.Error(w, fmt.Sprintf("server report format %s is incompatible with requested %s",
					allocator.ReportFormatVersion, expect), http.StatusConflict)

				return
			}
		}

		w.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(w).Encode(a.DiagnosticReport()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// Start begins serving on an ephemeral UDP port if addr ends with ":0".
// The bound address is returned so callers can discover the real port.
func (s *Server) Start() (string, error) {
	var err error

	s.pc, err = net.ListenPacket("udp", s.addr)
	if err != nil {
		return "", err
	}

	realAddr := s.pc.LocalAddr().String()
	done := make(chan struct{})

	go func() {
		if err := s.srv.Serve(s.pc); err != nil {
			select {
			case s.errC <- err:
			default:
			}
		}

		close(done)
	}()

	s.close = func() error {
		_ = s.pc.Close()

		select {
		case <-done:
		case <-time.After(time.Second):
		}

		return nil
	}

	return realAddr, nil
}

// Stop closes the listening socket and waits for the serve goroutine to
// return, or a one-second timeout, whichever comes first.
func (s *Server) Stop() error {
	if s.close != nil {
		return s.close()
	}

	return nil
}

// Error returns a non-blocking channel that receives the first serve
// error, if any.
func (s *Server) Error() <-chan error {
	if s == nil || s.errC == nil {
		ch := make(chan error)
		close(ch)

		return ch
	}

	return s.errC
}

func selfSignedConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"h3"},
	}, nil
}
