package farenadiag

import (
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	http3 "github.com/quic-go/quic-go/http3"

	"github.com/arenarun/farena/internal/allocator"
)

func newTestArena(t *testing.T) *allocator.FixedArena {
	t.Helper()

	a, err := allocator.New(make([]byte, 4096), allocator.BestFit)
	if err != nil {
		t.Fatalf("allocator.New failed: %v", err)
	}

	return a
}

func diagClient() *http.Client {
	tr := &http3.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}}

	return &http.Client{Transport: tr, Timeout: 2 * time.Second}
}

// TestTLS13EnforcedOnServer mirrors the teacher's
// TestTLS13EnforcedOnServer: a caller-supplied TLS 1.2 floor is bumped
// to TLS 1.3, never silently honored.
func TestTLS13EnforcedOnServer(t *testing.T) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	s, err := New("127.0.0.1:0", newTestArena(t), cfg, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if s.srv == nil || s.srv.TLSConfig == nil {
		t.Fatal("server or TLS config is nil")
	}

	if s.srv.TLSConfig.MinVersion != tls.VersionTLS13 {
		t.Fatalf("server MinVersion not enforced to TLS1.3: got %v", s.srv.TLSConfig.MinVersion)
	}
}

// TestTLS13EnforcedWithNilConfig checks the self-signed fallback path
// also comes up at TLS 1.3.
func TestTLS13EnforcedWithNilConfig(t *testing.T) {
	s, err := New("127.0.0.1:0", newTestArena(t), nil, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if s.srv.TLSConfig.MinVersion != tls.VersionTLS13 {
		t.Fatalf("self-signed fallback MinVersion not TLS1.3: got %v", s.srv.TLSConfig.MinVersion)
	}
}

// TestLoopbackDiagnostics mirrors the teacher's TestHTTP3_Loopback: a
// real client dials the server over HTTP/3 and reads back the arena's
// current diagnostic report.
func TestLoopbackDiagnostics(t *testing.T) {
	a := newTestArena(t)

	data, ok := a.Allocate(128)
	if !ok {
		t.Fatal("allocation failed")
	}

	defer a.Deallocate(data)

	s, err := New("127.0.0.1:0", a, nil, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	addr, err := s.Start()
	if err != nil {
		t.Skip("http3 not supported here:", err)
	}
	defer s.Stop()

	cli := diagClient()
	defer func() {
		if tr, ok := cli.Transport.(*http3.Transport); ok {
			_ = tr.Close()
		}
	}()

	resp, err := cli.Get("https://" + addr + "/diagnostics")
	if err != nil {
		t.Skip("http3 dial failed:", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading response body: %v", err)
	}

	var report allocator.DiagnosticReport
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("unmarshaling report: %v", err)
	}

	if report.FormatVersion != allocator.ReportFormatVersion {
		t.Fatalf("expected format version %s, got %s", allocator.ReportFormatVersion, report.FormatVersion)
	}

	if report.Policy != allocator.BestFit.String() {
		t.Fatalf("expected policy %s, got %s", allocator.BestFit, report.Policy)
	}

	found := false

	for _, b := range report.Blocks {
		if !b.Free && b.Size == 128 {
			found = true
		}
	}

	if !found {
		t.Fatalf("expected the served report to include the outstanding 128-byte allocation, got %+v", report.Blocks)
	}
}

// TestLoopbackDiagnosticsRejectsIncompatibleVersion checks the
// ?expect_version= compatibility gate.
func TestLoopbackDiagnosticsRejectsIncompatibleVersion(t *testing.T) {
	a := newTestArena(t)

	s, err := New("127.0.0.1:0", a, nil, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	addr, err := s.Start()
	if err != nil {
		t.Skip("http3 not supported here:", err)
	}
	defer s.Stop()

	cli := diagClient()
	defer func() {
		if tr, ok := cli.Transport.(*http3.Transport); ok {
			_ = tr.Close()
		}
	}()

	resp, err := cli.Get("https://" + addr + "/diagnostics?expect_version=2.0.0")
	if err != nil {
		t.Skip("http3 dial failed:", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for an incompatible major version, got %d", resp.StatusCode)
	}
}
