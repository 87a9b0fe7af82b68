package licshare

import (
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Mandate != DefaultMandate {
		t.Fatalf("mandate = %q", cfg.Mandate)
	}
	if cfg.LeaseTimeout != DefaultLeaseTimeout {
		t.Fatalf("lease timeout = %s", cfg.LeaseTimeout)
	}
	if cfg.SyncTimeout != DefaultSyncTimeout || cfg.DumpInterval != DefaultDumpInterval {
		t.Fatalf("timeouts = %s/%s", cfg.SyncTimeout, cfg.DumpInterval)
	}
	if !strings.HasSuffix(cfg.Identity, "/"+DefaultMandate) || cfg.Identity == "/"+DefaultMandate {
		t.Fatalf("identity = %q, want <hostname>/%s", cfg.Identity, DefaultMandate)
	}
	if cfg.StoreDir() != "" {
		t.Fatalf("store dir = %q, want memory", cfg.StoreDir())
	}
}

func TestConfigValidateNormalises(t *testing.T) {
	w := strings.Repeat("AB", 16)
	cfg := Config{
		Mandate:  " share-1 ",
		Identity: " alice ",
		Writers:  []string{w + ", " + strings.Repeat("cd", 16), w},
		Peers:    []string{"a:1,b:2", " a:1 ", ""},
		DataDir:  "rel",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Mandate != "share-1" || cfg.Identity != "alice" {
		t.Fatalf("mandate/identity = %q/%q", cfg.Mandate, cfg.Identity)
	}
	if want := []string{strings.ToLower(w), strings.Repeat("cd", 16)}; !slices.Equal(cfg.Writers, want) {
		t.Fatalf("writers = %v, want %v", cfg.Writers, want)
	}
	if !slices.Equal(cfg.Peers, []string{"a:1", "b:2"}) {
		t.Fatalf("peers = %v", cfg.Peers)
	}
	if !filepath.IsAbs(cfg.DataDir) {
		t.Fatalf("data dir %q not absolute", cfg.DataDir)
	}
	if got := cfg.StoreDir(); got != filepath.Join(cfg.DataDir, "share-1") {
		t.Fatalf("store dir = %q", got)
	}
}

func TestDefaultIdentityDependsOnMandate(t *testing.T) {
	a := Config{Mandate: "share-a"}
	b := Config{Mandate: "share-b"}
	if err := a.Validate(); err != nil {
		t.Fatalf("validate a: %v", err)
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("validate b: %v", err)
	}
	if a.Identity == b.Identity {
		t.Fatalf("mandates share identity %q", a.Identity)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := map[string]Config{
		"short writer":  {Writers: []string{"abcd"}},
		"non-hex index": {Indexes: []string{strings.Repeat("zz", 16)}},
		"mandate path":  {Mandate: "a/b"},
		"mandate dots":  {Mandate: ".."},
		"lease timeout": {LeaseTimeout: -time.Second},
		"sync timeout":  {SyncTimeout: -time.Second},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if err := cfg.Validate(); err == nil || !strings.HasPrefix(err.Error(), "config: ") {
				t.Fatalf("validate = %v, want config error", err)
			}
		})
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LICSHARE_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("default config dir: %v", err)
	}
	if got != dir {
		t.Fatalf("config dir = %q, want %q", got, dir)
	}
	data, err := DefaultDataDir()
	if err != nil {
		t.Fatalf("default data dir: %v", err)
	}
	if data != filepath.Join(dir, "data") {
		t.Fatalf("data dir = %q", data)
	}
}

func TestDefaultConfigDirHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("LICSHARE_CONFIG_DIR", "")
	t.Setenv("HOME", home)
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("default config dir: %v", err)
	}
	if got != filepath.Join(home, ".licshare") {
		t.Fatalf("config dir = %q", got)
	}
}
