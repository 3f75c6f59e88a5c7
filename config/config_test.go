package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.toml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestLoad(t *testing.T) {
	validTOML := `
[server]
listen = ":143"
starttls_listen = ":1143"
cert_file = "cert.pem"
key_file = "key.pem"
max_msg_size = 10485760

[capabilities]
unauthenticated = ["IMAP4rev1", "STARTTLS"]
authenticated = ["IMAP4rev1", "IDLE"]

[store]
dsn = "imapd.db"
`

	tests := []struct {
		name    string
		content string
		path    string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "valid config",
			content: validTOML,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Server.Listen != ":143" {
					t.Errorf("listen = %q, want %q", cfg.Server.Listen, ":143")
				}
				if !cfg.StartTLSEnabled() {
					t.Error("expected StartTLSEnabled")
				}
				if cfg.Store.DSN != "imapd.db" {
					t.Errorf("dsn = %q, want %q", cfg.Store.DSN, "imapd.db")
				}
			},
		},
		{
			name:    "file not found",
			path:    filepath.Join(t.TempDir(), "nonexistent.toml"),
			wantErr: true,
		},
		{
			name:    "invalid TOML syntax",
			content: `[server\nlisten = not valid`,
			wantErr: true,
		},
		{
			name: "missing listen",
			content: `
[server]
max_msg_size = 1024
[capabilities]
unauthenticated = ["IMAP4rev1"]
authenticated = ["IMAP4rev1"]
`,
			wantErr: true,
		},
		{
			name: "zero max_msg_size",
			content: `
[server]
listen = ":143"
max_msg_size = 0
[capabilities]
unauthenticated = ["IMAP4rev1"]
authenticated = ["IMAP4rev1"]
`,
			wantErr: true,
		},
		{
			name: "starttls_listen without cert",
			content: `
[server]
listen = ":143"
starttls_listen = ":1143"
max_msg_size = 1024
[capabilities]
unauthenticated = ["IMAP4rev1"]
authenticated = ["IMAP4rev1"]
`,
			wantErr: true,
		},
		{
			name: "empty capability list",
			content: `
[server]
listen = ":143"
max_msg_size = 1024
[capabilities]
unauthenticated = []
authenticated = ["IMAP4rev1"]
`,
			wantErr: true,
		},
		{
			name: "invalid idle_poll",
			content: `
[server]
listen = ":143"
max_msg_size = 1024
idle_poll = "not-a-duration"
[capabilities]
unauthenticated = ["IMAP4rev1"]
authenticated = ["IMAP4rev1"]
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.path
			if path == "" {
				path = writeTemp(t, tt.content)
			}

			cfg, err := Load(path)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestIdlePollDurationDefault(t *testing.T) {
	var s ServerConfig
	d, err := s.IdlePollDuration()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 29*time.Minute {
		t.Errorf("default idle poll = %v, want 29m", d)
	}
}

func TestIdlePollDurationExplicit(t *testing.T) {
	s := ServerConfig{IdlePoll: "10m"}
	d, err := s.IdlePollDuration()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 10*time.Minute {
		t.Errorf("idle poll = %v, want 10m", d)
	}
}

func TestStartTLSEnabled(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"neither set", Config{}, false},
		{"only cert", Config{Server: ServerConfig{CertFile: "c"}}, false},
		{"both set", Config{Server: ServerConfig{CertFile: "c", KeyFile: "k"}}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.cfg.StartTLSEnabled(); got != c.want {
				t.Errorf("StartTLSEnabled() = %v, want %v", got, c.want)
			}
		})
	}
}
