// Package config loads service settings from an optional YAML file and
// OBLIGO_* environment variables. Environment always wins so deployments can
// override a baked-in file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"obligo.org/internal/identity"
)

// Config is the full service configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	PGDSN      string `yaml:"pg_dsn"`

	Domain struct {
		Name     string `yaml:"name"`
		Version  string `yaml:"version"`
		LedgerID uint64 `yaml:"ledger_id"`
		Registry string `yaml:"registry"`
	} `yaml:"domain"`

	Admin string `yaml:"admin"`

	Fees struct {
		CreateFee     int64  `yaml:"create_fee"`
		PaymentFeeBps int64  `yaml:"payment_fee_bps"`
		Sink          string `yaml:"sink"`
	} `yaml:"fees"`

	BaseURI string `yaml:"base_uri"`

	Shutdown time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when nothing is provided.
func Default() Config {
	var c Config
	c.ListenAddr = ":8090"
	c.Domain.Name = "ObligoClaims"
	c.Domain.Version = "1"
	c.Domain.LedgerID = 1
	c.Shutdown = 10 * time.Second
	return c
}

// Load reads path (if non-empty) over the defaults, then applies environment
// overrides.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	c.applyEnv()
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv() {
	setString(&c.ListenAddr, "OBLIGO_LISTEN_ADDR")
	setString(&c.PGDSN, "OBLIGO_PG_DSN")
	setString(&c.Domain.Name, "OBLIGO_DOMAIN_NAME")
	setString(&c.Domain.Version, "OBLIGO_DOMAIN_VERSION")
	setUint64(&c.Domain.LedgerID, "OBLIGO_LEDGER_ID")
	setString(&c.Domain.Registry, "OBLIGO_REGISTRY_ADDR")
	setString(&c.Admin, "OBLIGO_ADMIN_ADDR")
	setInt64(&c.Fees.CreateFee, "OBLIGO_CREATE_FEE")
	setInt64(&c.Fees.PaymentFeeBps, "OBLIGO_PAYMENT_FEE_BPS")
	setString(&c.Fees.Sink, "OBLIGO_FEE_SINK")
	setString(&c.BaseURI, "OBLIGO_BASE_URI")
}

func (c *Config) validate() error {
	for _, f := range []struct {
		name, value string
	}{
		{"registry", c.Domain.Registry},
		{"admin", c.Admin},
		{"fee sink", c.Fees.Sink},
	} {
		if f.value == "" {
			continue
		}
		if _, err := identity.ParseAddress(f.value); err != nil {
			return fmt.Errorf("config: %s address: %w", f.name, err)
		}
	}
	if c.Fees.CreateFee < 0 || c.Fees.PaymentFeeBps < 0 {
		return fmt.Errorf("config: fees must be >= 0")
	}
	if c.Fees.PaymentFeeBps > 10000 {
		return fmt.Errorf("config: payment_fee_bps must be <= 10000")
	}
	return nil
}

// RegistryAddr returns the parsed signing-domain registry address.
func (c Config) RegistryAddr() identity.Address {
	return parseOrZero(c.Domain.Registry)
}

// AdminAddr returns the parsed admin address, Zero when unset.
func (c Config) AdminAddr() identity.Address { return parseOrZero(c.Admin) }

// FeeSinkAddr returns the parsed fee sink address, Zero when unset.
func (c Config) FeeSinkAddr() identity.Address { return parseOrZero(c.Fees.Sink) }

func parseOrZero(s string) identity.Address {
	if s == "" {
		return identity.Zero
	}
	addr, err := identity.ParseAddress(s)
	if err != nil {
		return identity.Zero
	}
	return addr
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
