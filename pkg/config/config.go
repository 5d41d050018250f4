// Package config loads MigrationSettings once at startup from a YAML
// file, with environment-variable overrides for the values operators
// typically inject as secrets rather than committing to disk.
package config

import (
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/openshift/kvs-migration-orchestrator/pkg/migration"
)

// fileSettings mirrors migration.MigrationSettings but with duration
// fields expressed as strings, the way YAML configuration is
// authored and then parsed into time.Duration.
type fileSettings struct {
	SourceServiceURI        string `json:"sourceServiceUri"`
	KVSActorServiceURI      string `json:"kvsActorServiceUri"`
	CopyPhaseWorkerCount    int    `json:"copyPhaseWorkerCount"`
	CatchupPhaseWorkerCount int    `json:"catchupPhaseWorkerCount"`
	DowntimeThreshold       int64  `json:"downtimeThreshold"`
	MaxCatchupIterations    int    `json:"maxCatchupIterations"`
	RequestTimeout          string `json:"requestTimeout"`
	MaxRetries              int    `json:"maxRetries"`
	RetryBaseDelay          string `json:"retryBaseDelay"`
	BatchSize               int    `json:"batchSize"`
	LeaseDuration           string `json:"leaseDuration"`
	RenewDeadline           string `json:"renewDeadline"`
	RetryPeriod             string `json:"retryPeriod"`
}

// Load reads path (YAML) and returns MigrationSettings, falling back
// to migration.DefaultSettings() for any field left unset in the
// file. SourceServiceURI is required.
func Load(path string) (migration.MigrationSettings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return migration.MigrationSettings{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	var fc fileSettings
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return migration.MigrationSettings{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	settings := migration.DefaultSettings()
	settings.SourceServiceURI = fc.SourceServiceURI
	settings.KVSActorServiceURI = fc.KVSActorServiceURI
	if fc.CopyPhaseWorkerCount > 0 {
		settings.CopyPhaseWorkerCount = fc.CopyPhaseWorkerCount
	}
	if fc.CatchupPhaseWorkerCount > 0 {
		settings.CatchupPhaseWorkerCount = fc.CatchupPhaseWorkerCount
	}
	if fc.DowntimeThreshold > 0 {
		settings.DowntimeThreshold = fc.DowntimeThreshold
	}
	if fc.MaxCatchupIterations > 0 {
		settings.MaxCatchupIterations = fc.MaxCatchupIterations
	}
	if fc.BatchSize > 0 {
		settings.BatchSize = fc.BatchSize
	}
	if fc.MaxRetries > 0 {
		settings.MaxRetries = fc.MaxRetries
	}
	if err := applyDuration(fc.RequestTimeout, &settings.RequestTimeout); err != nil {
		return migration.MigrationSettings{}, fmt.Errorf("requestTimeout: %w", err)
	}
	if err := applyDuration(fc.RetryBaseDelay, &settings.RetryBaseDelay); err != nil {
		return migration.MigrationSettings{}, fmt.Errorf("retryBaseDelay: %w", err)
	}
	if err := applyDuration(fc.LeaseDuration, &settings.LeaseDuration); err != nil {
		return migration.MigrationSettings{}, fmt.Errorf("leaseDuration: %w", err)
	}
	if err := applyDuration(fc.RenewDeadline, &settings.RenewDeadline); err != nil {
		return migration.MigrationSettings{}, fmt.Errorf("renewDeadline: %w", err)
	}
	if err := applyDuration(fc.RetryPeriod, &settings.RetryPeriod); err != nil {
		return migration.MigrationSettings{}, fmt.Errorf("retryPeriod: %w", err)
	}

	if override := os.Getenv("MIGRATION_SOURCE_SERVICE_URI"); override != "" {
		settings.SourceServiceURI = override
	}

	if settings.SourceServiceURI == "" {
		return migration.MigrationSettings{}, fmt.Errorf("sourceServiceUri is required (config file or MIGRATION_SOURCE_SERVICE_URI)")
	}

	return settings, nil
}

func applyDuration(raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}
