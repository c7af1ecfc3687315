package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadCredentials_Env(t *testing.T) {
	keyring.MockInit()

	creds, err := loadCredentials(MetabaseConfig{URL: "https://ignored.example.org"}, envMap(map[string]string{
		"METABASE_URL":      "https://metabase.example.org/",
		"METABASE_USER":     "ops@example.org",
		"METABASE_PASSWORD": "s3cret",
	}))
	if err != nil {
		t.Fatalf("loadCredentials() error: %v", err)
	}
	if creds.URL != "https://metabase.example.org/" || creds.User != "ops@example.org" || creds.Password != "s3cret" {
		t.Errorf("unexpected credentials: %+v", creds)
	}
}

func TestLoadCredentials_APIKey(t *testing.T) {
	keyring.MockInit()

	creds, err := loadCredentials(MetabaseConfig{URL: "http://localhost:3000"}, envMap(map[string]string{
		"METABASE_API_KEY": "mb_key",
	}))
	if err != nil {
		t.Fatalf("loadCredentials() error: %v", err)
	}
	if creds.APIKey != "mb_key" || creds.User != "" {
		t.Errorf("unexpected credentials: %+v", creds)
	}
	if creds.URL != "http://localhost:3000" {
		t.Errorf("URL from config not used: %q", creds.URL)
	}
}

func TestLoadCredentials_KeyringFallback(t *testing.T) {
	keyring.MockInit()
	if err := keyring.Set(keyringService, "ops@example.org", "from-keyring"); err != nil {
		t.Fatal(err)
	}

	creds, err := loadCredentials(MetabaseConfig{URL: "https://metabase.example.org", User: "ops@example.org"}, envMap(nil))
	if err != nil {
		t.Fatalf("loadCredentials() error: %v", err)
	}
	if creds.Password != "from-keyring" {
		t.Errorf("Password = %q, want keyring value", creds.Password)
	}
}

func TestLoadCredentials_Missing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     MetabaseConfig
		env     map[string]string
		wantErr string
	}{
		{name: "no url", env: map[string]string{"METABASE_USER": "u", "METABASE_PASSWORD": "p"}, wantErr: "METABASE_URL is not set"},
		{name: "bad url scheme", cfg: MetabaseConfig{URL: "ftp://metabase"}, env: map[string]string{"METABASE_API_KEY": "k"}, wantErr: "not an http(s) URL"},
		{name: "url without host", cfg: MetabaseConfig{URL: "https://"}, env: map[string]string{"METABASE_API_KEY": "k"}, wantErr: "not an http(s) URL"},
		{name: "no user", cfg: MetabaseConfig{URL: "https://mb"}, wantErr: "METABASE_USER is not set"},
		{name: "no password anywhere", cfg: MetabaseConfig{URL: "https://mb", User: "nobody"}, wantErr: "no password is stored in the keyring"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keyring.MockInit()
			_, err := loadCredentials(tt.cfg, envMap(tt.env))
			if err == nil {
				t.Fatal("expected error")
			}
			if exitCodeFor(err) != exitConfig {
				t.Errorf("exit code = %d, want %d", exitCodeFor(err), exitConfig)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadCredentials_KeyringUnavailable(t *testing.T) {
	boom := errors.New("dbus: no session bus")
	keyring.MockInitWithError(boom)
	t.Cleanup(keyring.MockInit)

	_, err := loadCredentials(MetabaseConfig{URL: "https://mb", User: "ops"}, envMap(nil))
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapped keyring error", err)
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error %v is not a *ConfigError", err)
	}
}
