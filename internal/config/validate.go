package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validator accumulates validation errors so every problem is reported at once.
type Validator struct {
	errors []ValidationError
}

// AddError records a validation error.
func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are validation errors.
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors.
func (v *Validator) Errors() []ValidationError {
	return v.errors
}

// ErrorString returns a formatted string of all errors.
func (v *Validator) ErrorString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Configuration validation failed with %d error(s):\n", len(v.errors))
	for i, err := range v.errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidateRequired records an error when value is empty.
func (v *Validator) ValidateRequired(field, value string) {
	if value == "" {
		v.AddError(field, "required setting not provided")
	}
}

// ValidateAddr validates a listen address of the form [host]:port.
func (v *Validator) ValidateAddr(field, value string) {
	if value == "" {
		return
	}
	if _, _, err := net.SplitHostPort(value); err != nil {
		v.AddError(field, fmt.Sprintf("must be host:port (%v)", err))
	}
}

// ValidateEnum validates that value is one of allowed.
func (v *Validator) ValidateEnum(field, value string, allowed []string) {
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}
	v.AddError(field, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

// ValidatePositiveDuration validates that d is greater than zero.
func (v *Validator) ValidatePositiveDuration(field string, d time.Duration) {
	if d <= 0 {
		v.AddError(field, "must be a positive duration")
	}
}

// Validate checks c and returns every problem found in one error.
func (c *Config) Validate() error {
	v := &Validator{}

	v.ValidateRequired("api_key", c.APIKey)
	v.ValidateAddr("addr", c.Addr)
	v.ValidateEnum("store_driver", c.StoreDriver, []string{DriverBolt, DriverPostgres})
	switch c.StoreDriver {
	case DriverPostgres:
		v.ValidateRequired("database_url", c.DatabaseURL)
		if c.DatabaseURL != "" &&
			!strings.HasPrefix(c.DatabaseURL, "postgres://") && !strings.HasPrefix(c.DatabaseURL, "postgresql://") {
			v.AddError("database_url", "must be a valid PostgreSQL connection string")
		}
	case DriverBolt:
		v.ValidateRequired("bolt_path", c.BoltPath)
	}
	v.ValidateRequired("data_dir", c.DataDir)
	v.ValidateRequired("backup_dir", c.BackupDir)

	v.ValidatePositiveDuration("ttl", c.TTL)
	v.ValidatePositiveDuration("sweep_interval", c.SweepInterval)
	if c.BackupRetention < 0 {
		v.AddError("backup_retention", "must not be negative")
	}
	if c.Capacity <= 0 {
		v.AddError("capacity", "must be a positive integer")
	}
	if c.MaxUploadBytes < 0 {
		v.AddError("max_upload_bytes", "must not be negative")
	}
	if c.RateLimit() < 0 || c.RateLimitBurst < 0 {
		v.AddError("rate_limit", "must not be negative")
	}

	v.ValidateEnum("log.format", c.Log.Format, []string{"text", "json"})
	v.ValidateEnum("log.level", c.Log.Level, []string{"debug", "info", "warn", "error"})

	if c.S3.Enabled() {
		v.ValidateRequired("s3.endpoint", c.S3.Endpoint)
		v.ValidateRequired("s3.access_key", c.S3.AccessKey)
		v.ValidateRequired("s3.secret_key", c.S3.SecretKey)
		v.ValidateRequired("s3.bucket", c.S3.Bucket)
	}

	if v.HasErrors() {
		return fmt.Errorf("%s", v.ErrorString())
	}
	return nil
}
