package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"msync.dev/msyncd/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadBasic(t *testing.T) {
	path := writeConfig(t, `
imaphost: imap.example.com
imapport: 993
useimaps: true
user: alice
pass: hunter2
path: /tmp/mail
mailboxes:
  - name: INBOX
    expunge: true
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "imap.example.com" || cfg.Port != 993 {
		t.Errorf("Host/Port = %q/%d, want imap.example.com/993", cfg.Host, cfg.Port)
	}
	if cfg.TLSMode() != config.TLSImplicit {
		t.Errorf("TLSMode() = %v, want TLSImplicit", cfg.TLSMode())
	}
	if len(cfg.Mailboxes) != 1 || cfg.Mailboxes[0].Name != "INBOX" {
		t.Errorf("Mailboxes = %+v", cfg.Mailboxes)
	}
}

func TestTLSModeDerivation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want config.TLSMode
	}{
		{"none", "imaphost: h\nmailboxes:\n  - name: INBOX\n", config.TLSNone},
		{"starttls", "imaphost: h\nrequiressl: true\nmailboxes:\n  - name: INBOX\n", config.TLSStartTLS},
		{"imaps", "imaphost: h\nuseimaps: true\nmailboxes:\n  - name: INBOX\n", config.TLSImplicit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Load(writeConfig(t, tt.yaml))
			if err != nil {
				t.Fatal(err)
			}
			if got := cfg.TLSMode(); got != tt.want {
				t.Errorf("TLSMode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoadPassCommand(t *testing.T) {
	path := writeConfig(t, `
imaphost: h
passcommand: "echo secretpw"
mailboxes:
  - name: INBOX
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pass != "secretpw" {
		t.Errorf("Pass = %q, want secretpw", cfg.Pass)
	}
}

func TestValidateRejectsNoHostNoTunnel(t *testing.T) {
	path := writeConfig(t, `
mailboxes:
  - name: INBOX
`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for config with no host and no tunnel")
	}
}

func TestValidateRejectsNoMailboxes(t *testing.T) {
	path := writeConfig(t, `
imaphost: h
`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for config with no mailboxes")
	}
}

func TestValidateRejectsMissingCertificateFile(t *testing.T) {
	path := writeConfig(t, `
imaphost: h
certificatefile: /no/such/file.pem
mailboxes:
  - name: INBOX
`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for a certificatefile that doesn't exist")
	}
}
