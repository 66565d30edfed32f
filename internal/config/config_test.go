package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "DM_BACKEND", "DM_DEV_AUTH", "DM_HISTORY_LIMIT", "DM_SUBSCRIBE_BACKOFF", "SUPABASE_JWT_SECRET"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Server.Addr)
	}
	if cfg.Backend.Kind != BackendMemory || !cfg.Server.DevAuth {
		t.Fatalf("expected memory backend with dev auth, got %+v %+v", cfg.Backend, cfg.Server)
	}
	if cfg.Sync.HistoryLimit != 50 || cfg.Sync.SubscribeBackoff != 500*time.Millisecond {
		t.Fatalf("unexpected sync defaults: %+v", cfg.Sync)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")
	t.Setenv("DM_BACKEND", "memory")
	t.Setenv("DM_HISTORY_LIMIT", "20")
	t.Setenv("DM_SUBSCRIBE_BACKOFF", "250ms")
	t.Setenv("DM_SUBSCRIBE_MAX_BACKOFF", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Fatalf("unexpected addr: %s", cfg.Server.Addr)
	}
	if cfg.Sync.HistoryLimit != 20 {
		t.Fatalf("unexpected history limit: %d", cfg.Sync.HistoryLimit)
	}
	if cfg.Sync.SubscribeBackoff != 250*time.Millisecond || cfg.Sync.SubscribeMaxBackoff != 2*time.Second {
		t.Fatalf("unexpected backoff: %+v", cfg.Sync)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"DM_BACKEND":       "sqlite",
		"DM_HISTORY_LIMIT": "0",
		"PORT":             "80 80",
		"DM_ECHO_WINDOW":   "soon",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", key, value)
			}
		})
	}
}

func TestSupabaseBackendRequiresProject(t *testing.T) {
	t.Setenv("DM_BACKEND", "supabase")
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_ANON_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without Supabase project settings")
	}

	t.Setenv("SUPABASE_URL", "https://example.supabase.co/")
	t.Setenv("SUPABASE_ANON_KEY", "anon")
	t.Setenv("SUPABASE_JWT_SECRET", "secret")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Supabase.URL != "https://example.supabase.co" {
		t.Fatalf("expected trailing slash trimmed, got %s", cfg.Supabase.URL)
	}
	if cfg.Server.DevAuth {
		t.Fatal("dev auth must default to off outside the memory backend")
	}
}

func TestAllowedOriginsList(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	want := []string{"https://a.example", "https://b.example"}
	if len(cfg.Server.AllowedOrigins) != len(want) {
		t.Fatalf("unexpected origins: %v", cfg.Server.AllowedOrigins)
	}
	for i := range want {
		if cfg.Server.AllowedOrigins[i] != want[i] {
			t.Fatalf("unexpected origins: %v", cfg.Server.AllowedOrigins)
		}
	}
}
