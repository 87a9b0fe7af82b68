package licshare

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultMandate is the storage namespace used when none is configured.
	DefaultMandate = "share-0"
	// DefaultLeaseTimeout is the window after which a lease held by another
	// peer is released unless renewed.
	DefaultLeaseTimeout = 20 * time.Second
	// DefaultSyncTimeout bounds how long one-shot commands wait for peers
	// before acting on the local view.
	DefaultSyncTimeout = 5 * time.Second
	// DefaultDumpInterval is the cadence of the periodic dump in serve mode.
	DefaultDumpInterval = 10 * time.Second
	// DefaultMetricsListen is empty: metrics are disabled unless configured.
	DefaultMetricsListen = ""
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultIdentity is used when the hostname cannot be determined.
	DefaultIdentity = "licshare"

	feedKeyHexLen = 32
)

// Config captures the tunables of a Node.
type Config struct {
	// Mandate names the storage namespace; feeds live under DataDir/Mandate.
	Mandate string
	// Realm scopes which peers rendezvous. Empty derives it from the local
	// writer key, which makes the node private until peers use the same realm.
	Realm string
	// Writers and Indexes seed remote writer and reader identities (hex feed
	// keys) before any peer connects.
	Writers []string
	Indexes []string
	// Identity is the user label this node acquires leases under. It
	// defaults to <hostname>/<mandate> so processes on one host that use
	// different mandates contend for licences.
	Identity string
	// DataDir enables feed persistence. Empty keeps feeds in memory.
	DataDir string
	// Listen and Peers configure the TCP swarm.
	Listen string
	Peers  []string

	LeaseTimeout  time.Duration
	SyncTimeout   time.Duration
	DumpInterval  time.Duration
	Debug         bool
	MetricsListen string
	OTLPEndpoint  string
}

// Validate normalises the config and applies defaults.
func (c *Config) Validate() error {
	c.Mandate = strings.TrimSpace(c.Mandate)
	if c.Mandate == "" {
		c.Mandate = DefaultMandate
	}
	if strings.ContainsAny(c.Mandate, `/\`) || c.Mandate == "." || c.Mandate == ".." {
		return fmt.Errorf("config: mandate %q must be a plain name", c.Mandate)
	}
	c.Realm = strings.TrimSpace(c.Realm)
	c.Identity = strings.TrimSpace(c.Identity)
	if c.Identity == "" {
		c.Identity = defaultIdentity(c.Mandate)
	}
	var err error
	if c.Writers, err = normalizeKeys("writer", c.Writers); err != nil {
		return err
	}
	if c.Indexes, err = normalizeKeys("index", c.Indexes); err != nil {
		return err
	}
	c.Peers = compact(c.Peers)
	if c.LeaseTimeout == 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	} else if c.LeaseTimeout < 0 {
		return fmt.Errorf("config: lease timeout must be > 0")
	}
	if c.SyncTimeout == 0 {
		c.SyncTimeout = DefaultSyncTimeout
	} else if c.SyncTimeout < 0 {
		return fmt.Errorf("config: sync timeout must be >= 0")
	}
	if c.DumpInterval == 0 {
		c.DumpInterval = DefaultDumpInterval
	} else if c.DumpInterval < 0 {
		return fmt.Errorf("config: dump interval must be >= 0")
	}
	if c.DataDir != "" {
		if c.DataDir, err = filepath.Abs(c.DataDir); err != nil {
			return fmt.Errorf("config: data dir: %w", err)
		}
	}
	return nil
}

// StoreDir returns the feed directory of the mandate, or empty when feeds
// are kept in memory.
func (c Config) StoreDir() string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, c.Mandate)
}

// DefaultConfigDir returns the default configuration directory ($HOME/.licshare).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("LICSHARE_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		abs, err := filepath.Abs(override)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".licshare"), nil
}

// DefaultDataDir returns the default feed directory.
func DefaultDataDir() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}

func defaultIdentity(mandate string) string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = DefaultIdentity
	}
	return strings.TrimSpace(host) + "/" + mandate
}

func normalizeKeys(kind string, keys []string) ([]string, error) {
	out := compact(keys)
	for i, key := range out {
		key = strings.ToLower(key)
		if len(key) != feedKeyHexLen {
			return nil, fmt.Errorf("config: %s key %q must be %d hex characters", kind, key, feedKeyHexLen)
		}
		if _, err := hex.DecodeString(key); err != nil {
			return nil, fmt.Errorf("config: %s key %q is not hex", kind, key)
		}
		out[i] = key
	}
	return out, nil
}

// compact trims entries, splits comma separated values and drops blanks and
// duplicates while keeping order.
func compact(values []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, raw := range values {
		for _, v := range strings.Split(raw, ",") {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
