package pprof

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	logx "relbot/pkg/logx"
)

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", "/debug/pprof/"},
		{"  ", "/debug/pprof/"},
		{"/debug/pprof/", "/debug/pprof/"},
		{"/debug/pprof", "/debug/pprof/"},
		{"profiles", "/profiles/"},
		{"/x/y", "/x/y/"},
	}
	for _, tt := range tests {
		tt := tt
		if got := normalizePrefix(tt.in); got != tt.want {
			t.Fatalf("normalizePrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoopback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"LOCALHOST:6060", true},
		{"[::1]:6060", true},
		{"0.0.0.0:6060", false},
		{":6060", false},
		{"192.168.1.5:6060", false},
		{"not-an-addr", false},
	}
	for _, tt := range tests {
		tt := tt
		if got := loopback(tt.addr); got != tt.want {
			t.Fatalf("loopback(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestRequireToken(t *testing.T) {
	t.Parallel()

	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

	t.Run("no token configured passes through", func(t *testing.T) {
		t.Parallel()
		h := requireToken("", ok)
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})

	t.Run("query token", func(t *testing.T) {
		t.Parallel()
		h := requireToken("s3cret", ok)

		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/?token=s3cret", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("good token: status = %d, want 200", rec.Code)
		}

		rec = httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/?token=wrong", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("bad token: status = %d, want 401", rec.Code)
		}
	})

	t.Run("bearer header", func(t *testing.T) {
		t.Parallel()
		h := requireToken("s3cret", ok)

		req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
		req.Header.Set("Authorization", "Bearer s3cret")
		rec := httptest.NewRecorder()
		h(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("bearer: status = %d, want 200", rec.Code)
		}

		req = httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
		rec = httptest.NewRecorder()
		h(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("missing auth: status = %d, want 401", rec.Code)
		}
	})
}

func TestInsecureBindRefused(t *testing.T) {
	t.Parallel()

	svc := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	if err := svc.run(context.Background()); err == nil {
		t.Fatal("expected run to refuse a non-loopback bind without token")
	}

	// AllowInsecure lets it through; bind and shut down immediately.
	svc = New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- svc.run(ctx) }()
	waitFor(t, 2*time.Second, "server never bound", func() bool { return svc.Addr() != "" })
	cancel()
	select {
	case err := <-errc:
		if err != context.Canceled {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not exit after cancel")
	}
}

func TestServiceLifecycle(t *testing.T) {
	prevMutex := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		runtime.SetMutexProfileFraction(prevMutex)
		runtime.SetBlockProfileRate(0)
	})

	svc := New(Config{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t.Cleanup(func() { svc.Stop(context.Background()) })

	svc.Reconfigure(ctx, Config{
		Enabled:              true,
		Addr:                 "127.0.0.1:0",
		Token:                "s3cret",
		MutexProfileFraction: 7,
	})

	waitFor(t, 3*time.Second, "server never came up", func() bool { return svc.Addr() != "" })
	addr := svc.Addr()

	if got := runtime.SetMutexProfileFraction(-1); got != 7 {
		t.Fatalf("mutex profile fraction = %d, want 7", got)
	}

	resp, err := httpGet(ctx, "http://"+addr+"/healthz?token=s3cret")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	if resp != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", resp)
	}
	resp, err = httpGet(ctx, "http://"+addr+"/debug/pprof/")
	if err != nil {
		t.Fatalf("index without token: %v", err)
	}
	if resp != http.StatusUnauthorized {
		t.Fatalf("index without token status = %d, want 401", resp)
	}

	// Disable through Reconfigure; the listener must go away.
	svc.Reconfigure(ctx, Config{Enabled: false})
	waitFor(t, 3*time.Second, "server never shut down", func() bool { return svc.Addr() == "" })

	// Idempotent stop on an already stopped service.
	svc.Stop(ctx)
}

func httpGet(ctx context.Context, url string) (int, error) {
	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}

func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}
