// Package config provides configuration structures and loading for GoForget.
package config

import "sort"

// Store categories describe what kind of personal data a store holds.
const (
	CategoryProfile    = "profile"
	CategoryAnalytics  = "analytics"
	CategoryBehavioral = "behavioral"
	CategoryCompliance = "compliance"
	CategoryReference  = "reference"
)

// Config represents the complete application configuration.
type Config struct {
	Stores          map[string]StoreConfig `yaml:"stores" mapstructure:"stores"`
	ComplianceStore string                 `yaml:"compliance_store" mapstructure:"compliance_store"`
	ReferenceStore  string                 `yaml:"reference_store" mapstructure:"reference_store"`
	Discovery       DiscoveryConfig        `yaml:"discovery" mapstructure:"discovery"`
	Classification  ClassificationConfig   `yaml:"classification" mapstructure:"classification"`
	Erasure         ErasureConfig          `yaml:"erasure" mapstructure:"erasure"`
	Verification    VerificationConfig     `yaml:"verification" mapstructure:"verification"`
	ThirdParty      ThirdPartyConfig       `yaml:"third_party" mapstructure:"third_party"`
	Locking         LockingConfig          `yaml:"locking" mapstructure:"locking"`
	Access          AccessConfig           `yaml:"access" mapstructure:"access"`
	HTTP            HTTPConfig             `yaml:"http" mapstructure:"http"`
	Logging         LoggingConfig          `yaml:"logging" mapstructure:"logging"`
}

// StoreConfig represents one enrolled data store connection.
type StoreConfig struct {
	Driver             string `yaml:"driver" mapstructure:"driver"` // mysql or postgres
	Host               string `yaml:"host" mapstructure:"host"`
	Port               int    `yaml:"port" mapstructure:"port"`
	User               string `yaml:"user" mapstructure:"user"`
	Password           string `yaml:"password" mapstructure:"password"`
	Database           string `yaml:"database" mapstructure:"database"`
	TLS                string `yaml:"tls" mapstructure:"tls"` // disable, preferred, required
	MaxConnections     int    `yaml:"max_connections" mapstructure:"max_connections"`
	MaxIdleConnections int    `yaml:"max_idle_connections" mapstructure:"max_idle_connections"`
	Category           string `yaml:"category" mapstructure:"category"`
	History            bool   `yaml:"history" mapstructure:"history"` // system-versioned tables available
}

// DiscoveryConfig controls the catalog scan and per-subject record counting.
type DiscoveryConfig struct {
	Tokens            []string `yaml:"tokens" mapstructure:"tokens"`
	MatchColumns      []string `yaml:"match_columns" mapstructure:"match_columns"`
	Concurrency       int      `yaml:"concurrency" mapstructure:"concurrency"`
	ExcludeContainers []string `yaml:"exclude_containers" mapstructure:"exclude_containers"`
}

// RuleConfig is a declarative classification rule evaluated before the built-in rules.
type RuleConfig struct {
	Name        string `yaml:"name" mapstructure:"name"`
	Matcher     string `yaml:"matcher" mapstructure:"matcher"` // exact, substring, regex, content
	Pattern     string `yaml:"pattern" mapstructure:"pattern"`
	PIIType     string `yaml:"pii_type" mapstructure:"pii_type"`
	Sensitivity string `yaml:"sensitivity" mapstructure:"sensitivity"` // optional tier override
	Disposition string `yaml:"disposition" mapstructure:"disposition"` // optional: DELETE or PSEUDONYMIZE
}

// ClassificationConfig holds additional rules and pseudonymization categories.
type ClassificationConfig struct {
	Rules                  []RuleConfig `yaml:"rules" mapstructure:"rules"`
	PseudonymizeCategories []string     `yaml:"pseudonymize_categories" mapstructure:"pseudonymize_categories"`
}

// ErasureConfig represents erasure workflow settings.
type ErasureConfig struct {
	SLADays              int    `yaml:"sla_days" mapstructure:"sla_days"`
	ExecutionConcurrency int    `yaml:"execution_concurrency" mapstructure:"execution_concurrency"`
	PseudonymSalt        string `yaml:"pseudonym_salt" mapstructure:"pseudonym_salt"`
	AuditRetries         int    `yaml:"audit_retries" mapstructure:"audit_retries"`
}

// VerificationConfig represents deletion verification settings.
type VerificationConfig struct {
	LookbackHours int `yaml:"lookback_hours" mapstructure:"lookback_hours"`
}

// KafkaConfig configures the notification producer.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// ThirdPartyConfig lists the external processors notified of an erasure.
type ThirdPartyConfig struct {
	Processors []string    `yaml:"processors" mapstructure:"processors"`
	Kafka      KafkaConfig `yaml:"kafka" mapstructure:"kafka"`
}

// LockingConfig selects how concurrent processing of one request is prevented.
type LockingConfig struct {
	Backend    string `yaml:"backend" mapstructure:"backend"` // mysql, redis, local
	RedisURL   string `yaml:"redis_url" mapstructure:"redis_url"`
	TTLSeconds int    `yaml:"ttl_seconds" mapstructure:"ttl_seconds"`
}

// AccessConfig maps caller roles to privilege levels (full, partial, none).
type AccessConfig struct {
	Roles        map[string]string `yaml:"roles" mapstructure:"roles"`
	DefaultLevel string            `yaml:"default_level" mapstructure:"default_level"`
}

// HTTPConfig represents the API server settings.
type HTTPConfig struct {
	Addr          string `yaml:"addr" mapstructure:"addr"`
	JWTSigningKey string `yaml:"jwt_signing_key" mapstructure:"jwt_signing_key"`
	JWTIssuer     string `yaml:"jwt_issuer" mapstructure:"jwt_issuer"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `yaml:"format" mapstructure:"format"` // json or text
	Output string `yaml:"output" mapstructure:"output"` // stdout, stderr, or file path
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Stores:          map[string]StoreConfig{},
		ComplianceStore: "compliance",
		ReferenceStore:  "reference",
		Discovery: DiscoveryConfig{
			Tokens:       []string{"EMAIL", "CUSTOMER", "USER", "PHONE", "ADDRESS", "NAME", "SSN", "SOCIAL", "BIRTH"},
			MatchColumns: []string{"customer_email", "email", "user_email"},
			Concurrency:  4,
			ExcludeContainers: []string{
				"erasure_requests", "discovery_batches", "discovery_results", "erasure_operations",
				"audit_events", "third_party_notifications", "retention_policies",
			},
		},
		Classification: ClassificationConfig{
			PseudonymizeCategories: []string{CategoryAnalytics, CategoryBehavioral},
		},
		Erasure: ErasureConfig{
			SLADays:              30,
			ExecutionConcurrency: 1,
			AuditRetries:         3,
		},
		Verification: VerificationConfig{
			LookbackHours: 24,
		},
		ThirdParty: ThirdPartyConfig{
			Kafka: KafkaConfig{Topic: "erasure-notifications"},
		},
		Locking: LockingConfig{
			Backend:    "mysql",
			TTLSeconds: 900,
		},
		Access: AccessConfig{
			Roles:        map[string]string{},
			DefaultLevel: "none",
		},
		HTTP: HTTPConfig{
			Addr:      ":8080",
			JWTIssuer: "goforget",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyStoreDefaults fills per-store defaults that depend on the driver.
func (s StoreConfig) applyStoreDefaults() StoreConfig {
	if s.Driver == "" {
		s.Driver = "mysql"
	}
	if s.Port == 0 {
		if s.Driver == "postgres" {
			s.Port = 5432
		} else {
			s.Port = 3306
		}
	}
	if s.TLS == "" {
		s.TLS = "preferred"
	}
	if s.MaxConnections == 0 {
		s.MaxConnections = 10
	}
	if s.MaxIdleConnections == 0 {
		s.MaxIdleConnections = 5
	}
	return s
}

// GetStore retrieves a store configuration by name.
func (c *Config) GetStore(name string) (StoreConfig, bool) {
	s, ok := c.Stores[name]
	return s, ok
}

// StoreNames returns the enrolled store names in sorted order.
func (c *Config) StoreNames() []string {
	names := make([]string, 0, len(c.Stores))
	for name := range c.Stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DataStoreNames returns the stores that hold subject data, excluding the
// compliance and reference stores unless they were enrolled under another category.
func (c *Config) DataStoreNames() []string {
	var names []string
	for _, name := range c.StoreNames() {
		switch c.Stores[name].Category {
		case CategoryCompliance, CategoryReference:
			continue
		}
		names = append(names, name)
	}
	return names
}
