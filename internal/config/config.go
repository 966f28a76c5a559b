package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DateLayout is the calendar date format used in config files and the
// persisted Calendar record.
const DateLayout = "02.01.2006"

// ClockLayout is the wall-clock format for reveal/deadline/sweep times.
const ClockLayout = "15:04"

// Config models garland.yml.
type Config struct {
	Calendar struct {
		// Dates is the ordered list of challenge days; its length is N.
		Dates []string `yaml:"dates"`
		// BootstrapDate is the reveal date for day 0 (the eve of Dates[0]).
		BootstrapDate string `yaml:"bootstrap_date"`
		Timezone      string `yaml:"timezone"`
		RevealTime    string `yaml:"reveal_time"`
		DeadlineTime  string `yaml:"deadline_time"`
		SweepTime     string `yaml:"sweep_time"`
	} `yaml:"calendar"`
	Telegram struct {
		// Token may be left empty and provided via GARLAND_TELEGRAM_TOKEN.
		Token string `yaml:"token"`
	} `yaml:"telegram"`
}

// Days returns N, the number of challenge days.
func (c *Config) Days() int { return len(c.Calendar.Dates) }

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Calendar.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %s: %w", c.Calendar.Timezone, err)
	}
	return loc, nil
}

// Date returns the calendar date of day i at midnight in the configured zone.
func (c *Config) Date(i int) (time.Time, error) {
	if i < 0 || i >= len(c.Calendar.Dates) {
		return time.Time{}, fmt.Errorf("day index %d out of range", i)
	}
	loc, err := c.Location()
	if err != nil {
		return time.Time{}, err
	}
	return time.ParseInLocation(DateLayout, c.Calendar.Dates[i], loc)
}

// RevealDate returns the date on which day i is revealed: the date
// immediately preceding Dates[i] in the list, or the bootstrap date for
// day 0.
func (c *Config) RevealDate(i int) (time.Time, error) {
	if i < 0 || i >= len(c.Calendar.Dates) {
		return time.Time{}, fmt.Errorf("day index %d out of range", i)
	}
	loc, err := c.Location()
	if err != nil {
		return time.Time{}, err
	}
	raw := c.Calendar.BootstrapDate
	if i > 0 {
		raw = c.Calendar.Dates[i-1]
	}
	return time.ParseInLocation(DateLayout, raw, loc)
}

// Deadline returns the completion deadline for day i: the deadline
// clock time on Dates[i] (the day after reveal) in the configured zone.
func (c *Config) Deadline(i int) (time.Time, error) {
	date, err := c.Date(i)
	if err != nil {
		return time.Time{}, err
	}
	hh, mm, err := parseClock(c.Calendar.DeadlineTime)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(date.Year(), date.Month(), date.Day(), hh, mm, 0, 0, date.Location()), nil
}

func parseClock(v string) (int, int, error) {
	t, err := time.Parse(ClockLayout, v)
	if err != nil {
		return 0, 0, fmt.Errorf("clock time %q: %w", v, err)
	}
	return t.Hour(), t.Minute(), nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Calendar.Dates) == 0 {
		return fmt.Errorf("config.calendar.dates is required")
	}
	if c.Calendar.Timezone == "" {
		return fmt.Errorf("config.calendar.timezone is required")
	}
	loc, err := time.LoadLocation(c.Calendar.Timezone)
	if err != nil {
		return fmt.Errorf("config.calendar.timezone: %w", err)
	}
	var prev time.Time
	for i, d := range c.Calendar.Dates {
		t, err := time.ParseInLocation(DateLayout, d, loc)
		if err != nil {
			return fmt.Errorf("config.calendar.dates[%d]: %w", i, err)
		}
		if i > 0 && !t.After(prev) {
			return fmt.Errorf("config.calendar.dates[%d] %s not after %s", i, d, c.Calendar.Dates[i-1])
		}
		prev = t
	}
	if c.Calendar.BootstrapDate == "" {
		return fmt.Errorf("config.calendar.bootstrap_date is required")
	}
	boot, err := time.ParseInLocation(DateLayout, c.Calendar.BootstrapDate, loc)
	if err != nil {
		return fmt.Errorf("config.calendar.bootstrap_date: %w", err)
	}
	first, _ := time.ParseInLocation(DateLayout, c.Calendar.Dates[0], loc)
	if !boot.Before(first) {
		return fmt.Errorf("config.calendar.bootstrap_date %s must precede dates[0] %s", c.Calendar.BootstrapDate, c.Calendar.Dates[0])
	}
	for _, clock := range []struct{ name, v string }{
		{"reveal_time", c.Calendar.RevealTime},
		{"deadline_time", c.Calendar.DeadlineTime},
		{"sweep_time", c.Calendar.SweepTime},
	} {
		if clock.v == "" {
			return fmt.Errorf("config.calendar.%s is required", clock.name)
		}
		if _, _, err := parseClock(clock.v); err != nil {
			return fmt.Errorf("config.calendar.%s: %w", clock.name, err)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "garland.yml")
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	cfg, err := FromFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("config %s not found; run gld init or create it from the template", path)
	}
	return cfg, err
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the reference deployment config: a 7-day run with
// Moscow-time reveals at 18:00 and a 20:00 deadline.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(err)
	}
	return cfg
}

// GenerateDefault returns the default config YAML for gld init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `calendar:
  dates:
    - 17.12.2025
    - 18.12.2025
    - 19.12.2025
    - 22.12.2025
    - 23.12.2025
    - 24.12.2025
    - 25.12.2025
  bootstrap_date: 16.12.2025
  timezone: Europe/Moscow
  reveal_time: "18:00"
  deadline_time: "20:00"
  sweep_time: "20:01"

telegram:
  token: ""
`
