package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ardnew/openvizsla/capture"
	"github.com/ardnew/openvizsla/decoder"
	"github.com/ardnew/openvizsla/pkg"
)

// EnvVar names the config file used when no path is given.
const EnvVar = "OVIZSLA_CONFIG"

// Defaults.
const (
	DefaultSpeed      = "high"
	DefaultBufferSize = 1024
	DefaultLogLevel   = "warn"
	DefaultLogFormat  = "text"
)

// Config holds the settings shared by the command-line tools.
type Config struct {
	Firmware string // Firmware package loaded on open; empty keeps the running gateware
	Speed    string // Bus speed: low, full or high

	FilterNAK bool
	FilterSOF bool

	Transfers       int
	TransferSize    int
	TransferTimeout time.Duration
	PollTimeout     time.Duration
	BufferSize      int
	Format          string // Packet record layout: compact or legacy
	Checksum        bool

	LogLevel    string
	LogFormat   string
	MetricsAddr string // Listen address for /metrics; empty disables it
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Speed:           DefaultSpeed,
		Transfers:       capture.DefaultTransfers,
		TransferTimeout: capture.DefaultTransferTimeout,
		PollTimeout:     capture.DefaultPollTimeout,
		BufferSize:      DefaultBufferSize,
		Format:          decoder.FormatCompact.String(),
		LogLevel:        DefaultLogLevel,
		LogFormat:       DefaultLogFormat,
	}
}

type fileConfig struct {
	Firmware        string `toml:"firmware"`
	Speed           string `toml:"speed"`
	FilterNAK       bool   `toml:"filter_nak"`
	FilterSOF       bool   `toml:"filter_sof"`
	Transfers       int    `toml:"transfers"`
	TransferSize    int    `toml:"transfer_size"`
	TransferTimeout string `toml:"transfer_timeout"`
	PollTimeout     string `toml:"poll_timeout"`
	BufferSize      int    `toml:"buffer_size"`
	Format          string `toml:"format"`
	Checksum        bool   `toml:"checksum"`
	LogLevel        string `toml:"log_level"`
	LogFormat       string `toml:"log_format"`
	MetricsAddr     string `toml:"metrics_addr"`
}

// Load reads a TOML config file over the defaults. Keys absent from the
// file keep their default values.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return apply(raw, meta)
}

// Parse is Load for config text held in memory.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return apply(raw, meta)
}

// Resolve loads path, or the file named by EnvVar when path is empty. With
// neither set it returns the defaults.
func Resolve(path string) (Config, error) {
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvVar))
	}
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

func apply(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := Default()

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		pkg.LogWarn(pkg.ComponentDevice, "unknown config keys", "keys", fmt.Sprint(undecoded))
	}

	if meta.IsDefined("firmware") {
		cfg.Firmware = strings.TrimSpace(raw.Firmware)
	}
	if meta.IsDefined("speed") {
		cfg.Speed = strings.ToLower(strings.TrimSpace(raw.Speed))
	}
	if meta.IsDefined("filter_nak") {
		cfg.FilterNAK = raw.FilterNAK
	}
	if meta.IsDefined("filter_sof") {
		cfg.FilterSOF = raw.FilterSOF
	}
	if meta.IsDefined("transfers") {
		cfg.Transfers = raw.Transfers
	}
	if meta.IsDefined("transfer_size") {
		cfg.TransferSize = raw.TransferSize
	}
	if meta.IsDefined("transfer_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.TransferTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse transfer_timeout: %w", err)
		}
		cfg.TransferTimeout = d
	}
	if meta.IsDefined("poll_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.PollTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse poll_timeout: %w", err)
		}
		cfg.PollTimeout = d
	}
	if meta.IsDefined("buffer_size") {
		cfg.BufferSize = raw.BufferSize
	}
	if meta.IsDefined("format") {
		cfg.Format = strings.ToLower(strings.TrimSpace(raw.Format))
	}
	if meta.IsDefined("checksum") {
		cfg.Checksum = raw.Checksum
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every setting and joins all problems found.
func (c Config) Validate() error {
	var errs []error
	switch c.Speed {
	case "low", "full", "high":
	default:
		errs = append(errs, invalid("speed", c.Speed))
	}
	if c.Transfers <= 0 {
		errs = append(errs, invalid("transfers", c.Transfers))
	}
	if c.TransferSize < 0 {
		errs = append(errs, invalid("transfer_size", c.TransferSize))
	}
	if c.TransferTimeout < 0 {
		errs = append(errs, invalid("transfer_timeout", c.TransferTimeout))
	}
	if c.PollTimeout <= 0 {
		errs = append(errs, invalid("poll_timeout", c.PollTimeout))
	}
	if c.BufferSize <= 0 || c.BufferSize > decoder.MaxPacketSize {
		errs = append(errs, invalid("buffer_size", c.BufferSize))
	}
	if _, err := c.DecoderFormat(); err != nil {
		errs = append(errs, err)
	}
	if _, ok := pkg.ParseLogLevel(c.LogLevel); !ok {
		errs = append(errs, invalid("log_level", c.LogLevel))
	}
	if _, ok := pkg.ParseLogFormat(c.LogFormat); !ok {
		errs = append(errs, invalid("log_format", c.LogFormat))
	}
	return errors.Join(errs...)
}

func invalid(key string, v any) error {
	return fmt.Errorf("config %s %q: %w", key, fmt.Sprint(v), pkg.ErrInvalidParameter)
}

// DecoderFormat returns the packet record layout named by Format.
func (c Config) DecoderFormat() (decoder.Format, error) {
	switch c.Format {
	case "", decoder.FormatCompact.String():
		return decoder.FormatCompact, nil
	case decoder.FormatLegacy.String():
		return decoder.FormatLegacy, nil
	default:
		return 0, invalid("format", c.Format)
	}
}

// CaptureOptions converts the transfer and decoder settings to capture
// options.
func (c Config) CaptureOptions() []capture.Option {
	format, _ := c.DecoderFormat()
	return []capture.Option{
		capture.WithTransfers(c.Transfers),
		capture.WithTransferSize(c.TransferSize),
		capture.WithTransferTimeout(c.TransferTimeout),
		capture.WithPollTimeout(c.PollTimeout),
		capture.WithDecoderOptions(decoder.WithFormat(format), decoder.WithChecksum(c.Checksum)),
	}
}

// ApplyLogging configures the pkg logger from LogLevel and LogFormat.
func (c Config) ApplyLogging() error {
	return pkg.Configure(c.LogLevel, c.LogFormat)
}
