package config

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

var (
	validDrivers      = map[string]bool{"mysql": true, "postgres": true}
	validTLS          = map[string]bool{"disable": true, "preferred": true, "required": true, "": true}
	validCategories   = map[string]bool{CategoryProfile: true, CategoryAnalytics: true, CategoryBehavioral: true, CategoryCompliance: true, CategoryReference: true, "": true}
	validMatchers     = map[string]bool{"exact": true, "substring": true, "regex": true, "content": true}
	validPIITypes     = map[string]bool{"EMAIL_ADDRESS": true, "PHONE_NUMBER": true, "POSTAL_ADDRESS": true, "PERSONAL_NAME": true, "SSN": true, "DATE_OF_BIRTH": true, "POTENTIAL_PII": true}
	validTiers        = map[string]bool{"LOW": true, "MEDIUM": true, "HIGH": true, "CRITICAL": true, "": true}
	validDispositions = map[string]bool{"DELETE": true, "PSEUDONYMIZE": true, "": true}
	validLockBackends = map[string]bool{"mysql": true, "redis": true, "local": true}
	validLevels       = map[string]bool{"full": true, "partial": true, "none": true}
)

// Validate checks the configuration for required fields and valid values.
func (c *Config) Validate() error {
	var errors ValidationErrors

	if len(c.Stores) == 0 {
		errors = append(errors, ValidationError{
			Field:   "stores",
			Message: "at least one store must be defined",
		})
	}
	for _, name := range c.StoreNames() {
		store := c.Stores[name]
		errors = append(errors, c.validateStore("stores."+name, &store)...)
	}

	errors = append(errors, c.validateRoleStore("compliance_store", c.ComplianceStore)...)
	errors = append(errors, c.validateRoleStore("reference_store", c.ReferenceStore)...)
	errors = append(errors, c.validateDiscovery()...)
	errors = append(errors, c.validateClassification()...)
	errors = append(errors, c.validateErasure()...)
	errors = append(errors, c.validateLocking()...)
	errors = append(errors, c.validateAccess()...)
	errors = append(errors, c.validateLogging()...)

	if c.Verification.LookbackHours <= 0 {
		errors = append(errors, ValidationError{
			Field:   "verification.lookback_hours",
			Message: "lookback_hours must be positive",
		})
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func (c *Config) validateStore(prefix string, s *StoreConfig) ValidationErrors {
	var errors ValidationErrors

	if !validDrivers[s.Driver] {
		errors = append(errors, ValidationError{
			Field:   prefix + ".driver",
			Message: "driver must be 'mysql' or 'postgres'",
		})
	}

	if s.Host == "" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".host",
			Message: "host is required",
		})
	}

	if s.Port <= 0 || s.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".port",
			Message: "port must be between 1 and 65535",
		})
	}

	if s.User == "" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".user",
			Message: "user is required",
		})
	}

	if s.Database == "" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".database",
			Message: "database name is required",
		})
	}

	if !validTLS[s.TLS] {
		errors = append(errors, ValidationError{
			Field:   prefix + ".tls",
			Message: "tls must be 'disable', 'preferred', or 'required'",
		})
	}

	if !validCategories[s.Category] {
		errors = append(errors, ValidationError{
			Field:   prefix + ".category",
			Message: "category must be one of profile, analytics, behavioral, compliance, reference",
		})
	}

	if s.History && s.Driver == "postgres" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".history",
			Message: "historical reads are only supported on mysql system-versioned stores",
		})
	}

	if s.MaxConnections < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".max_connections",
			Message: "max_connections cannot be negative",
		})
	}

	if s.MaxIdleConnections < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".max_idle_connections",
			Message: "max_idle_connections cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateRoleStore(field, name string) ValidationErrors {
	if name == "" {
		return ValidationErrors{{Field: field, Message: "store name is required"}}
	}
	store, ok := c.Stores[name]
	if !ok {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("store %q is not defined", name)}}
	}
	if store.Driver != "mysql" {
		return ValidationErrors{{Field: field, Message: "compliance and reference stores must use the mysql driver"}}
	}
	return nil
}

func (c *Config) validateDiscovery() ValidationErrors {
	var errors ValidationErrors

	if len(c.Discovery.Tokens) == 0 {
		errors = append(errors, ValidationError{
			Field:   "discovery.tokens",
			Message: "at least one token is required",
		})
	}

	if len(c.Discovery.MatchColumns) == 0 {
		errors = append(errors, ValidationError{
			Field:   "discovery.match_columns",
			Message: "at least one match column is required",
		})
	}

	if c.Discovery.Concurrency <= 0 {
		errors = append(errors, ValidationError{
			Field:   "discovery.concurrency",
			Message: "concurrency must be positive",
		})
	}

	return errors
}

func (c *Config) validateClassification() ValidationErrors {
	var errors ValidationErrors

	for i, rule := range c.Classification.Rules {
		prefix := fmt.Sprintf("classification.rules[%d]", i)

		if !validMatchers[rule.Matcher] {
			errors = append(errors, ValidationError{
				Field:   prefix + ".matcher",
				Message: "matcher must be 'exact', 'substring', 'regex', or 'content'",
			})
		}

		if rule.Pattern == "" {
			errors = append(errors, ValidationError{
				Field:   prefix + ".pattern",
				Message: "pattern is required",
			})
		} else if rule.Matcher == "regex" || rule.Matcher == "content" {
			if _, err := regexp.Compile(rule.Pattern); err != nil {
				errors = append(errors, ValidationError{
					Field:   prefix + ".pattern",
					Message: fmt.Sprintf("invalid regular expression: %v", err),
				})
			}
		}

		if !validPIITypes[rule.PIIType] {
			errors = append(errors, ValidationError{
				Field:   prefix + ".pii_type",
				Message: fmt.Sprintf("unknown pii_type %q", rule.PIIType),
			})
		}

		if !validTiers[rule.Sensitivity] {
			errors = append(errors, ValidationError{
				Field:   prefix + ".sensitivity",
				Message: "sensitivity must be LOW, MEDIUM, HIGH or CRITICAL",
			})
		}

		if !validDispositions[rule.Disposition] {
			errors = append(errors, ValidationError{
				Field:   prefix + ".disposition",
				Message: "disposition must be DELETE or PSEUDONYMIZE",
			})
		}
	}

	return errors
}

func (c *Config) validateErasure() ValidationErrors {
	var errors ValidationErrors

	if c.Erasure.SLADays <= 0 {
		errors = append(errors, ValidationError{
			Field:   "erasure.sla_days",
			Message: "sla_days must be positive",
		})
	}

	if c.Erasure.ExecutionConcurrency <= 0 {
		errors = append(errors, ValidationError{
			Field:   "erasure.execution_concurrency",
			Message: "execution_concurrency must be positive",
		})
	}

	if c.Erasure.AuditRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "erasure.audit_retries",
			Message: "audit_retries cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateLocking() ValidationErrors {
	var errors ValidationErrors

	if !validLockBackends[c.Locking.Backend] {
		errors = append(errors, ValidationError{
			Field:   "locking.backend",
			Message: "backend must be 'mysql', 'redis', or 'local'",
		})
	}

	if c.Locking.Backend == "redis" && c.Locking.RedisURL == "" {
		errors = append(errors, ValidationError{
			Field:   "locking.redis_url",
			Message: "redis_url is required when backend is redis",
		})
	}

	if c.Locking.TTLSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "locking.ttl_seconds",
			Message: "ttl_seconds must be positive",
		})
	}

	return errors
}

func (c *Config) validateAccess() ValidationErrors {
	var errors ValidationErrors

	for role, level := range c.Access.Roles {
		if !validLevels[level] {
			errors = append(errors, ValidationError{
				Field:   "access.roles." + role,
				Message: "level must be 'full', 'partial', or 'none'",
			})
		}
	}

	if !validLevels[c.Access.DefaultLevel] {
		errors = append(errors, ValidationError{
			Field:   "access.default_level",
			Message: "level must be 'full', 'partial', or 'none'",
		})
	}

	return errors
}

func (c *Config) validateLogging() ValidationErrors {
	var errors ValidationErrors

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[c.Logging.Level] {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Message: "level must be 'debug', 'info', 'warn', or 'error'",
		})
	}

	validFormats := map[string]bool{"json": true, "text": true, "": true}
	if !validFormats[c.Logging.Format] {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Message: "format must be 'json' or 'text'",
		})
	}

	return errors
}
