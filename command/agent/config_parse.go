package agent

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/hcl"
)

// ParseConfigFile parses one agent config file. Both HCL and JSON inputs
// are accepted.
func ParseConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	config, err := ParseConfig(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return config, nil
}

// ParseConfig parses an agent config from the reader.
func ParseConfig(r io.Reader) (*Config, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	config := &Config{}
	if err := hcl.Decode(config, string(buf)); err != nil {
		return nil, err
	}
	if err := durations([]td{
		{"scheduler.enqueue_interval", schedulerIntervalHCL(config), schedulerInterval(config)},
		{"worker.account_cache_ttl", workerTTLHCL(config), workerTTL(config)},
	}); err != nil {
		return nil, err
	}
	return config, nil
}

// td pairs an HCL duration string with its parsed destination.
type td struct {
	name string
	raw  string
	dst  *time.Duration
}

func durations(xs []td) error {
	for _, x := range xs {
		if x.raw == "" || x.dst == nil {
			continue
		}
		d, err := time.ParseDuration(x.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", x.name, err)
		}
		*x.dst = d
	}
	return nil
}

func schedulerIntervalHCL(c *Config) string {
	if c.Scheduler == nil {
		return ""
	}
	return c.Scheduler.EnqueueIntervalHCL
}

func schedulerInterval(c *Config) *time.Duration {
	if c.Scheduler == nil {
		return nil
	}
	return &c.Scheduler.EnqueueInterval
}

func workerTTLHCL(c *Config) string {
	if c.Worker == nil {
		return ""
	}
	return c.Worker.AccountCacheTTLHCL
}

func workerTTL(c *Config) *time.Duration {
	if c.Worker == nil {
		return nil
	}
	return &c.Worker.AccountCacheTTL
}
