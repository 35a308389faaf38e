// Siteforge is a bare-metal provisioning orchestrator.
// Copyright (C) 2025 The Siteforge Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads Driver configuration from the process
// environment, following the recognized keys in spec §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DriverConfig holds the recognized configuration keys for one Remote
// Client family (MAAS or OOB). Both Drivers construct one of these from
// their own env var prefix.
type DriverConfig struct {
	APIURL  string
	APIKey  string
	UseSSL  bool

	MaxRetries int

	PowerStateChangeMaxRetries int
	PowerStateChangeRetryInterval time.Duration

	DrydockTimeout time.Duration

	WorkerPoolSize int

	MetricsNamespace string
}

// DefaultDriverConfig returns the documented defaults from spec §6.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		UseSSL:                        true,
		MaxRetries:                    10,
		PowerStateChangeMaxRetries:    18,
		PowerStateChangeRetryInterval: 10 * time.Second,
		DrydockTimeout:                60 * time.Minute,
		WorkerPoolSize:                16,
		MetricsNamespace:              "siteforge",
	}
}

// LoadDriverConfigFromEnv reads env vars under the given prefix (e.g.
// "SITEFORGE_MAAS_" or "SITEFORGE_OOB_") into a DriverConfig, starting
// from DefaultDriverConfig and overriding anything present.
func LoadDriverConfigFromEnv(prefix string) DriverConfig {
	cfg := DefaultDriverConfig()

	if v := os.Getenv(prefix + "API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv(prefix + "API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v, ok := getenvBool(prefix + "USE_SSL"); ok {
		cfg.UseSSL = v
	}
	if v, ok := getenvInt(prefix + "MAX_RETRIES"); ok {
		cfg.MaxRetries = v
	}
	if v, ok := getenvInt(prefix + "POWER_STATE_CHANGE_MAX_RETRIES"); ok {
		cfg.PowerStateChangeMaxRetries = v
	}
	if v, ok := getenvDuration(prefix+"POWER_STATE_CHANGE_RETRY_INTERVAL", time.Second); ok {
		cfg.PowerStateChangeRetryInterval = v
	}
	if v, ok := getenvDuration(prefix+"DRYDOCK_TIMEOUT", time.Minute); ok {
		cfg.DrydockTimeout = v
	}
	if v, ok := getenvInt(prefix + "WORKER_POOL_SIZE"); ok {
		cfg.WorkerPoolSize = v
	}
	if v := os.Getenv(prefix + "METRICS_NAMESPACE"); v != "" {
		cfg.MetricsNamespace = v
	}

	return cfg
}

// Validate checks the invariants the Driver relies on before it starts
// dispatching tasks.
func (c DriverConfig) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("config: api_url is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("config: api_key is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.PowerStateChangeMaxRetries < 0 {
		return fmt.Errorf("config: power_state_change_max_retries must be >= 0, got %d", c.PowerStateChangeMaxRetries)
	}
	if c.PowerStateChangeRetryInterval <= 0 {
		return fmt.Errorf("config: power_state_change_retry_interval must be > 0, got %s", c.PowerStateChangeRetryInterval)
	}
	if c.DrydockTimeout <= 0 {
		return fmt.Errorf("config: drydock_timeout must be > 0, got %s", c.DrydockTimeout)
	}
	if c.WorkerPoolSize < 0 {
		return fmt.Errorf("config: worker_pool_size must be >= 0, got %d", c.WorkerPoolSize)
	}
	return nil
}

func getenvBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func getenvInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// getenvDuration parses key as a duration; if it parses as a bare
// integer instead, unit scales it (matching the teacher's convention of
// accepting either "10s" or "10" for second-scale fields).
func getenvDuration(key string, unit time.Duration) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * unit, true
	}
	return 0, false
}
