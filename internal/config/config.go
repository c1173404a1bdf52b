// Package config loads the store and per-mailbox configuration snapshot
// consumed by the core. Lexing a bespoke config-file grammar is a non-goal
// (spec.md §1); this package defines the typed snapshot (spec.md §3, §6)
// and a thin YAML loader, grounded on the yaml-backed config loaders of
// LSFLK-raven and eSlider-mail-archive.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"gopkg.in/yaml.v3"
)

// TLSMode selects how (or whether) the transport is wrapped in TLS.
type TLSMode string

const (
	TLSNone     TLSMode = "none"
	TLSImplicit TLSMode = "imaps"
	TLSStartTLS TLSMode = "starttls"
)

// Mailbox is the per-mailbox policy snapshot: caps and the flag-handling
// policy bits of spec.md §3's "Config snapshot."
type Mailbox struct {
	Name          string `yaml:"name"`
	MaxSize       int64  `yaml:"maxsize"`
	MaxMessages   int    `yaml:"maxmessages"`
	Expunge       bool   `yaml:"expunge"`
	Delete        bool   `yaml:"delete"`
	CopyDeletedTo string `yaml:"copydeletedto"`
	Fast          bool   `yaml:"fast"`
}

// Config is the immutable, fully-resolved snapshot the sync engine is
// handed. It corresponds to spec.md §3's "Config snapshot" and §6's
// "Configuration inputs" enumeration.
type Config struct {
	Host   string  `yaml:"imaphost"`
	Port   int     `yaml:"imapport"`
	Tunnel string  `yaml:"tunnel"`
	User   string  `yaml:"user"`
	Pass   string  `yaml:"pass"`

	// PassCommand, when Pass is empty, is run once via "/bin/sh -c" to
	// obtain the password (isync's PassCmd, original_source/src/config.c;
	// also the pattern aerion/internal/credentials/store.go uses to keep
	// secrets out of the config file on disk).
	PassCommand string `yaml:"passcommand"`

	CertificateFile string  `yaml:"certificatefile"`
	RequireSSL      bool    `yaml:"requiressl"`
	UseIMAPS        bool    `yaml:"useimaps"`
	UseSSLv2        bool    `yaml:"usesslv2"`
	UseSSLv3        bool    `yaml:"usesslv3"`
	UseTLSv1        bool    `yaml:"usetlsv1"`
	RequireCRAM     bool    `yaml:"requirecram"`

	Path         string `yaml:"path"`
	MapInbox     string `yaml:"mapinbox"`
	Trash        string `yaml:"trash"`
	UseNamespace bool   `yaml:"usenamespace"`

	Mailboxes []Mailbox `yaml:"mailboxes"`
}

// TLSMode derives the transport's TLS mode from the legacy boolean fields.
func (c *Config) TLSMode() TLSMode {
	switch {
	case c.UseIMAPS:
		return TLSImplicit
	case c.RequireSSL:
		return TLSStartTLS
	default:
		return TLSNone
	}
}

// Load reads and validates a YAML config file into a Config snapshot.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := c.resolvePassword(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// resolvePassword runs PassCommand, if set and Pass is not, to obtain the
// IMAP password without storing it in the config file.
func (c *Config) resolvePassword() error {
	if c.Pass != "" || c.PassCommand == "" {
		return nil
	}
	cmd := exec.Command("/bin/sh", "-c", c.PassCommand)
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("config: passcommand: %w", err)
	}
	c.Pass = strings.TrimRight(string(out), "\r\n")
	return nil
}

// Validate checks the minimal invariants a misconfigured store would
// violate at open time (spec.md §7's ConfigError kind).
func (c *Config) Validate() error {
	if c.Host == "" && c.Tunnel == "" {
		return fmt.Errorf("config: no host and no tunnel configured")
	}
	if c.CertificateFile != "" {
		if _, err := os.Stat(c.CertificateFile); err != nil {
			return fmt.Errorf("config: certificatefile: %w", err)
		}
	}
	if len(c.Mailboxes) == 0 {
		return fmt.Errorf("config: no mailboxes configured")
	}
	return nil
}
