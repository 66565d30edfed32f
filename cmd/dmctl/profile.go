package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Profile is the account dmctl signs in with, stored as TOML.
type Profile struct {
	Supabase ProfileSupabase `toml:"supabase"`
	Auth     ProfileAuth     `toml:"auth"`
}

type ProfileSupabase struct {
	URL               string  `toml:"url"`
	AnonKey           string  `toml:"anon_key"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

type ProfileAuth struct {
	AccessToken string `toml:"access_token"`
	UserID      string `toml:"user_id"`
}

var errIncompleteProfile = errors.New("incomplete profile")

// defaultProfilePath returns ~/.config/dmctl/profile.toml.
func defaultProfilePath() string {
	if path := strings.TrimSpace(os.Getenv("DMCTL_PROFILE")); path != "" {
		return path
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "profile.toml"
	}
	return filepath.Join(dir, "dmctl", "profile.toml")
}

func loadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read profile: %w", err)
	}
	return parseProfile(data)
}

func parseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("cannot parse profile: %w", err)
	}
	p.Supabase.URL = strings.TrimRight(strings.TrimSpace(p.Supabase.URL), "/")

	var missing []string
	if p.Supabase.URL == "" {
		missing = append(missing, "supabase.url")
	}
	if p.Supabase.AnonKey == "" {
		missing = append(missing, "supabase.anon_key")
	}
	if p.Auth.AccessToken == "" {
		missing = append(missing, "auth.access_token")
	}
	if p.Auth.UserID == "" {
		missing = append(missing, "auth.user_id")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: set %s", errIncompleteProfile, strings.Join(missing, ", "))
	}
	return &p, nil
}

// saveProfile writes p with owner-only permissions since it holds a token.
func saveProfile(path string, p *Profile) error {
	data, err := toml.Marshal(p)
	if err != nil {
		return fmt.Errorf("cannot marshal profile: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create profile directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write profile: %w", err)
	}
	return nil
}
