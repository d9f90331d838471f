package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/auth"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/events"
	"github.com/NureBureikoNataliia/LangMate/cmd/internal/messaging"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://chat.example.com", want: "wss://chat.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func discardLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig is LoadConfig's defaults with a memory store and an ephemeral port.
func testConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := LoadConfig()
	require.NoError(t, err)
	cfg.HTTPAddr = "127.0.0.1:0"
	return cfg
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.close() })
	return a
}

func TestLoadConfig_DefaultsAndOverrides(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr)
	require.Equal(t, StoreMemory, cfg.Store)
	require.Equal(t, AuthHeader, cfg.AuthMode)
	require.Equal(t, 3, cfg.AppendAttempts)
	require.Equal(t, 25*time.Millisecond, cfg.AppendBackoff)
	require.Equal(t, []string{"http://localhost", "http://127.0.0.1"}, cfg.WSAllowedOrigins)

	t.Setenv("LANGMATE_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("LANGMATE_STORE", " Badger ")
	t.Setenv("LANGMATE_APPEND_BACKOFF", "100ms")
	t.Setenv("LANGMATE_CORS_ALLOWED_ORIGINS", "https://a.example.com,https://b.example.com")
	t.Setenv("LANGMATE_LOG_FORMAT", "PRETTY")

	cfg, err = LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", cfg.HTTPAddr)
	require.Equal(t, StoreBadger, cfg.Store)
	require.Equal(t, 100*time.Millisecond, cfg.AppendBackoff)
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSAllowedOrigins)
	require.Equal(t, "pretty", cfg.LogFormat)
}

func TestLoadConfig_RejectsMalformedValues(t *testing.T) {
	t.Setenv("LANGMATE_APPEND_ATTEMPTS", "many")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	base := Config{Store: StoreMemory, AuthMode: AuthHeader, LogFormat: "json", AppendAttempts: 3}
	require.NoError(t, base.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"postgres without url", func(c *Config) { c.Store = StorePostgres }, "LANGMATE_DATABASE_URL"},
		{"unknown store", func(c *Config) { c.Store = "sqlite" }, "unknown LANGMATE_STORE"},
		{"paseto without key", func(c *Config) { c.AuthMode = AuthPaseto }, "LANGMATE_PASETO_PUBLIC_KEY_HEX"},
		{"unknown auth", func(c *Config) { c.AuthMode = "basic" }, "unknown LANGMATE_AUTH_MODE"},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }, "LANGMATE_LOG_FORMAT"},
		{"zero attempts", func(c *Config) { c.AppendAttempts = 0 }, "LANGMATE_APPEND_ATTEMPTS"},
		{"negative backoff", func(c *Config) { c.AppendBackoff = -time.Second }, "LANGMATE_APPEND_BACKOFF"},
		{"min over max conns", func(c *Config) { c.DBMaxConns, c.DBMinConns = 2, 5 }, "LANGMATE_DB_MIN_CONNS"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestNewVerifier(t *testing.T) {
	t.Parallel()

	v, err := newVerifier(Config{AuthMode: AuthHeader, AuthUserHeader: "X-Forwarded-User"}, discardLogger())
	require.NoError(t, err)
	require.Equal(t, auth.HeaderVerifier{Header: "X-Forwarded-User"}, v)

	_, err = newVerifier(Config{AuthMode: AuthPaseto, PasetoPublicKeyHex: "zz"}, discardLogger())
	require.Error(t, err)

	_, pub := auth.GenerateKeyHex()
	v, err = newVerifier(Config{AuthMode: AuthPaseto, PasetoPublicKeyHex: pub, PasetoIssuer: "langmate"}, discardLogger())
	require.NoError(t, err)
	require.IsType(t, &auth.PasetoVerifier{}, v)
}

func TestApp_Routes(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(RequestIDHeader))
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))

	resp, err = srv.Client().Get(srv.URL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/conversations", strings.NewReader(`{"otherUserId":"bob"}`))
	require.NoError(t, err)
	req.Header.Set(auth.DefaultUserHeader, "alice")
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	view, err := a.Service().OpenConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)
	_, err = a.Service().Send(context.Background(), "alice", view.ID, messaging.SendInput{Text: "hello"})
	require.NoError(t, err)

	resp, err = srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, body.String(), "langmate_messages_appended_total 1")
	require.Contains(t, body.String(), "go_goroutines")
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	cfg := testConfig(t)
	cfg.ReadinessRequireDB = true
	a := newTestApp(t, cfg)

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestApp_BadgerBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store = StoreBadger
	cfg.BadgerDir = t.TempDir()
	a := newTestApp(t, cfg)

	ctx := context.Background()
	view, err := a.Service().OpenConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	msg, err := a.Service().Send(ctx, "bob", view.ID, messaging.SendInput{Text: "persisted"})
	require.NoError(t, err)
	require.Equal(t, int64(1), msg.Sequence)

	page, err := a.Service().ListMessages(ctx, "alice", view.ID, nil, 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	require.Equal(t, "persisted", page.Messages[0].Text)
}

func TestApp_RunRelaysEventsThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.RedisAddr = mr.Addr()
	a := newTestApp(t, cfg)

	sub := a.local.Subscribe(8)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(cfg.RedisChannel)[cfg.RedisChannel] == 1
	}, 5*time.Second, 10*time.Millisecond)

	view, err := a.Service().OpenConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = a.Service().Send(ctx, "alice", view.ID, messaging.SendInput{Text: "over redis"})
	require.NoError(t, err)

	select {
	case ev := <-sub.C:
		require.Equal(t, events.MessageCreated, ev.Type)
		require.Equal(t, view.ID, ev.ConversationID)
		require.Equal(t, "over redis", ev.Message.Text)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not relayed from redis")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
