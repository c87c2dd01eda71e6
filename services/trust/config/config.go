// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads trust service configuration from YAML with TRUST_*
// environment overrides, and hot-reloads the policy section.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianTrust/services/trust/attest"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab/gcsblob"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab/llm"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab/pgstore"
	"github.com/AleutianAI/AleutianTrust/services/trust/collab/weaviatestore"
	"github.com/AleutianAI/AleutianTrust/services/trust/gate"
	"github.com/AleutianAI/AleutianTrust/services/trust/observability"
	"github.com/AleutianAI/AleutianTrust/services/trust/recorder"
	trustbadger "github.com/AleutianAI/AleutianTrust/services/trust/storage/badger"
)

var validate = validator.New()

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the full trust service configuration.
type Config struct {
	Server        ServerConfig         `yaml:"server"`
	Logging       LoggingConfig        `yaml:"logging"`
	Ledger        LedgerConfig         `yaml:"ledger"`
	Signing       SigningConfig        `yaml:"signing"`
	Policy        gate.Policy          `yaml:"policy"`
	Generator     GeneratorConfig      `yaml:"generator"`
	Admissibility AdmissibilityConfig  `yaml:"admissibility"`
	Stores        StoresConfig         `yaml:"stores"`
	Telemetry     observability.Config `yaml:"telemetry"`
	Recorder      recorder.Config      `yaml:"recorder"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"gte=1,lte=65535"`
	Mode            string        `yaml:"mode" validate:"oneof=debug release test"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RateLimit is requests per second per tenant on verification, seal
	// and proof routes. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit" validate:"gte=0"`
	RateBurst int     `yaml:"rate_burst" validate:"gte=0"`
	// AuthTokensFile lists bearer token digests and their principals.
	// Empty runs without authentication as a local operator.
	AuthTokensFile string `yaml:"auth_tokens_file"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// LedgerConfig configures the Badger-backed ledger store.
type LedgerConfig struct {
	Path       string        `yaml:"path" validate:"required_without=InMemory"`
	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// Badger maps the section onto the store configuration.
func (l LedgerConfig) Badger() trustbadger.Config {
	if l.InMemory {
		return trustbadger.InMemoryConfig()
	}
	cfg := trustbadger.DefaultConfig()
	cfg.Path = l.Path
	cfg.SyncWrites = l.SyncWrites
	if l.GCInterval > 0 {
		cfg.GCInterval = l.GCInterval
	}
	return cfg
}

// SigningConfig locates Ed25519 key material.
type SigningConfig struct {
	// KeyFile holds the active key: a 32 byte seed or 64 byte private key,
	// base64 encoded.
	KeyFile string `yaml:"key_file" validate:"required"`
	// PreviousKeyFile stays verifiable until GracePeriod after startup.
	PreviousKeyFile string        `yaml:"previous_key_file"`
	GracePeriod     time.Duration `yaml:"grace_period"`
}

// LoadSigner loads the active key. A configured previous key is loaded
// first and rotated out, so it keeps verifying for GracePeriod.
func (s SigningConfig) LoadSigner() (*attest.Signer, error) {
	active, err := attest.LoadKey(s.KeyFile)
	if err != nil {
		return nil, err
	}
	if s.PreviousKeyFile == "" {
		return attest.NewSigner(active)
	}
	previous, err := attest.LoadKey(s.PreviousKeyFile)
	if err != nil {
		return nil, err
	}
	signer, err := attest.NewSigner(previous)
	if err != nil {
		return nil, err
	}
	if _, err := signer.Rotate(active, s.GracePeriod); err != nil {
		return nil, err
	}
	return signer, nil
}

// GeneratorConfig configures claim generation.
type GeneratorConfig struct {
	// Enabled turns on the generated-claims endpoint.
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
	LLM     llm.Config    `yaml:"llm"`
}

// AdmissibilityConfig configures the independent cross-check.
type AdmissibilityConfig struct {
	// Checker is "openai" or "allow-all". allow-all is for local runs.
	Checker string             `yaml:"checker" validate:"oneof=openai allow-all"`
	Timeout time.Duration      `yaml:"timeout" validate:"gte=0"`
	Breaker gate.BreakerConfig `yaml:"breaker"`
}

// StoresConfig locates external collaborators. Nil sections fall back to
// in-memory stores.
type StoresConfig struct {
	Weaviate *weaviatestore.Config `yaml:"weaviate"`
	Postgres *pgstore.Config       `yaml:"postgres"`
	GCS      *gcsblob.Config       `yaml:"gcs"`
}

// DefaultConfig returns a configuration that runs locally with in-memory
// collaborators. KeyFile must still be set.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            12240,
			Mode:            "release",
			ShutdownTimeout: 15 * time.Second,
			RateLimit:       20,
			RateBurst:       40,
		},
		Logging: LoggingConfig{Level: "info"},
		Ledger: LedgerConfig{
			Path:       "/var/lib/aleutian/trust/ledger",
			SyncWrites: true,
			GCInterval: 10 * time.Minute,
		},
		Signing: SigningConfig{GracePeriod: 72 * time.Hour},
		Policy:  gate.DefaultPolicy(),
		Generator: GeneratorConfig{
			Timeout: 30 * time.Second,
		},
		Admissibility: AdmissibilityConfig{
			Checker: "openai",
			Timeout: 10 * time.Second,
			Breaker: gate.DefaultBreakerConfig(),
		},
		Telemetry: observability.DefaultConfig(),
		Recorder:  recorder.DefaultConfig(),
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPolicy reads only the policy section of path over the default policy.
func LoadPolicy(path string) (gate.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return gate.Policy{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var doc struct {
		Policy gate.Policy `yaml:"policy"`
	}
	doc.Policy = gate.DefaultPolicy()
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return gate.Policy{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := doc.Policy.Validate(); err != nil {
		return gate.Policy{}, fmt.Errorf("%w: policy: %v", ErrInvalid, err)
	}
	return doc.Policy, nil
}

// Validate checks struct tags and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: policy: %v", ErrInvalid, err)
	}
	if c.Generator.Enabled && c.Generator.Timeout <= 0 {
		return fmt.Errorf("%w: generator.timeout must be positive", ErrInvalid)
	}
	return nil
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from TRUST_* variables.
//
// # Variables
//
//	TRUST_PORT, TRUST_GIN_MODE, TRUST_AUTH_TOKENS_FILE,
//	TRUST_LOG_LEVEL, TRUST_LOG_JSON,
//	TRUST_LEDGER_PATH, TRUST_LEDGER_IN_MEMORY,
//	TRUST_SIGNING_KEY_FILE, TRUST_PREVIOUS_KEY_FILE,
//	TRUST_SENSITIVE_TERMS (comma separated), TRUST_MIN_CORROBORATION,
//	TRUST_GENERATOR_ENABLED, TRUST_GENERATOR_TIMEOUT, TRUST_OPENAI_MODEL,
//	TRUST_OPENAI_BASE_URL, TRUST_ADMISSIBILITY_CHECKER,
//	TRUST_ADMISSIBILITY_TIMEOUT, TRUST_WEAVIATE_URL, TRUST_POSTGRES_DSN,
//	TRUST_GCS_BUCKET, TRUST_GCS_CREDENTIALS, TRUST_OTLP_ENDPOINT,
//	TRUST_INFLUX_URL, TRUST_INFLUX_TOKEN
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	num("TRUST_PORT", &c.Server.Port)
	str("TRUST_GIN_MODE", &c.Server.Mode)
	str("TRUST_AUTH_TOKENS_FILE", &c.Server.AuthTokensFile)
	str("TRUST_LOG_LEVEL", &c.Logging.Level)
	flag("TRUST_LOG_JSON", &c.Logging.JSON)
	str("TRUST_LEDGER_PATH", &c.Ledger.Path)
	flag("TRUST_LEDGER_IN_MEMORY", &c.Ledger.InMemory)
	str("TRUST_SIGNING_KEY_FILE", &c.Signing.KeyFile)
	str("TRUST_PREVIOUS_KEY_FILE", &c.Signing.PreviousKeyFile)
	if v, ok := lookup("TRUST_SENSITIVE_TERMS"); ok && v != "" {
		c.Policy.SensitiveTerms = splitList(v)
	}
	num("TRUST_MIN_CORROBORATION", &c.Policy.MinCorroboration)
	flag("TRUST_GENERATOR_ENABLED", &c.Generator.Enabled)
	dur("TRUST_GENERATOR_TIMEOUT", &c.Generator.Timeout)
	str("TRUST_OPENAI_MODEL", &c.Generator.LLM.Model)
	str("TRUST_OPENAI_BASE_URL", &c.Generator.LLM.BaseURL)
	str("TRUST_ADMISSIBILITY_CHECKER", &c.Admissibility.Checker)
	dur("TRUST_ADMISSIBILITY_TIMEOUT", &c.Admissibility.Timeout)
	str("TRUST_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("TRUST_INFLUX_URL", &c.Telemetry.Influx.URL)
	str("TRUST_INFLUX_TOKEN", &c.Telemetry.Influx.Token)

	if v, ok := lookup("TRUST_WEAVIATE_URL"); ok && v != "" {
		if c.Stores.Weaviate == nil {
			c.Stores.Weaviate = &weaviatestore.Config{}
		}
		c.Stores.Weaviate.URL = v
	}
	if v, ok := lookup("TRUST_POSTGRES_DSN"); ok && v != "" {
		if c.Stores.Postgres == nil {
			c.Stores.Postgres = &pgstore.Config{}
		}
		c.Stores.Postgres.DSN = v
	}
	if v, ok := lookup("TRUST_GCS_BUCKET"); ok && v != "" {
		if c.Stores.GCS == nil {
			c.Stores.GCS = &gcsblob.Config{}
		}
		c.Stores.GCS.Bucket = v
	}
	if v, ok := lookup("TRUST_GCS_CREDENTIALS"); ok && v != "" && c.Stores.GCS != nil {
		c.Stores.GCS.CredentialsFile = v
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
