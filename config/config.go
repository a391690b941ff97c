package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Database     DatabaseConfig      `yaml:"database"`
	Engine       EngineConfig        `yaml:"engine"`
	Books        []BookConfig        `yaml:"books"`
	Order        OrderConfig         `yaml:"processing_order"`
	Capabilities map[string][]string `yaml:"capabilities"`
	WorkerPool   WorkerPoolConfig    `yaml:"worker_pool"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// EngineConfig holds the referral/dispatch rule parameters that are hall-wide
// rather than per-book.
type EngineConfig struct {
	Timezone string `yaml:"timezone"`
	// Requests submitted at or after this local time miss the next morning's
	// run and wait a further day.
	CutoffHour   int `yaml:"cutoff_hour"`
	CutoffMinute int `yaml:"cutoff_minute"`
	// Morning run fires at this local time.
	RunHour   int `yaml:"run_hour"`
	RunMinute int `yaml:"run_minute"`
	// Bidding window: opens in the evening, closes the next morning.
	BidOpenHour    int `yaml:"bid_open_hour"`
	BidOpenMinute  int `yaml:"bid_open_minute"`
	BidCloseHour   int `yaml:"bid_close_hour"`
	BidCloseMinute int `yaml:"bid_close_minute"`
	// OfferResponseHours bounds how long an OFFERED dispatch may sit before it
	// auto-cancels without penalty.
	OfferResponseHours int `yaml:"offer_response_hours"`
	// Background loop intervals.
	ResignCheckSeconds int  `yaml:"resign_check_seconds"`
	SweepSeconds       int  `yaml:"sweep_seconds"`
	SchedulerEnabled   bool `yaml:"scheduler_enabled"`

	ResignCheckInterval time.Duration `yaml:"-"`
	SweepInterval       time.Duration `yaml:"-"`
}

// BookConfig defines one referral book. Seeded into the database at startup
// and treated as read-only during a matching run.
type BookConfig struct {
	Code               string   `yaml:"code"`
	Classification     string   `yaml:"classification"`
	Region             string   `yaml:"region"`
	BookType           string   `yaml:"book_type"`
	ContractCode       string   `yaml:"contract_code"`
	Tiers              int      `yaml:"tiers"`
	ResignIntervalDays int      `yaml:"resign_interval_days"`
	MaxCheckMarks      int      `yaml:"max_check_marks"`
	CheckMarkPolicy    string   `yaml:"check_mark_policy"`
	Agreements         []string `yaml:"agreements"`
	ShortCallDays      int      `yaml:"short_call_days"`
	LayoffCheckMark    bool     `yaml:"layoff_check_mark"`
	BlackoutDays       int      `yaml:"blackout_days"`
}

// OrderConfig is the versioned morning processing order: book types are
// matched strictly in this sequence within a run. It is data, not control
// flow, so the order is testable and auditable on its own.
type OrderConfig struct {
	Version  int      `yaml:"version"`
	Sequence []string `yaml:"sequence"`
}

// Rank returns the processing slot for a book type. Unlisted types sort last.
func (o OrderConfig) Rank(bookType string) int {
	for i, t := range o.Sequence {
		if t == bookType {
			return i
		}
	}
	return len(o.Sequence)
}

// WorkerPoolConfig sizes the audit-event worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if cfg.Engine.Timezone == "" {
		cfg.Engine.Timezone = "America/Los_Angeles"
	}
	if cfg.Engine.CutoffHour == 0 && cfg.Engine.CutoffMinute == 0 {
		cfg.Engine.CutoffHour = 15
	}
	if cfg.Engine.RunHour == 0 && cfg.Engine.RunMinute == 0 {
		cfg.Engine.RunHour = 8
	}
	if cfg.Engine.BidOpenHour == 0 && cfg.Engine.BidOpenMinute == 0 {
		cfg.Engine.BidOpenHour = 17
		cfg.Engine.BidOpenMinute = 30
	}
	if cfg.Engine.BidCloseHour == 0 && cfg.Engine.BidCloseMinute == 0 {
		cfg.Engine.BidCloseHour = 7
	}
	if cfg.Engine.OfferResponseHours <= 0 {
		cfg.Engine.OfferResponseHours = 4
	}
	if cfg.Engine.ResignCheckSeconds <= 0 {
		cfg.Engine.ResignCheckSeconds = 3600
	}
	if cfg.Engine.SweepSeconds <= 0 {
		cfg.Engine.SweepSeconds = 300
	}
	cfg.Engine.ResignCheckInterval = time.Duration(cfg.Engine.ResignCheckSeconds) * time.Second
	cfg.Engine.SweepInterval = time.Duration(cfg.Engine.SweepSeconds) * time.Second

	if cfg.WorkerPool.Size <= 0 {
		cfg.WorkerPool.Size = 1
	}

	for i := range cfg.Books {
		b := &cfg.Books[i]
		if b.Code == "" {
			return nil, fmt.Errorf("books[%d]: code is required", i)
		}
		if b.Tiers <= 0 {
			b.Tiers = 1
		}
		if b.ResignIntervalDays <= 0 {
			b.ResignIntervalDays = 30
		}
		if b.MaxCheckMarks <= 0 {
			b.MaxCheckMarks = 2
		}
		if b.CheckMarkPolicy == "" {
			b.CheckMarkPolicy = "roll_off"
		}
		if b.ShortCallDays <= 0 {
			b.ShortCallDays = 14
		}
		if b.BlackoutDays <= 0 {
			b.BlackoutDays = 14
		}
	}

	return &cfg, nil
}

// Location resolves the engine timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", c.Engine.Timezone, err)
	}
	return loc, nil
}
