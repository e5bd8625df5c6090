package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultDatabaseURL    = "sqlite:///tmp/coursebilling.db"
	defaultListenAddr     = ":8080"
	defaultAllowedOrigin  = "http://localhost:8000"
	defaultSessionIssuer  = "tauth"
	defaultSessionCookie  = "app_session"
	defaultMailFrom       = "no-reply@study-on.local"
	defaultAMQPQueue      = "billing.mail"
	defaultRequestTimeout = 3 * time.Second

	StoreGorm = "gorm"
	StorePgx  = "pgx"

	MailTransportLog  = "log"
	MailTransportSMTP = "smtp"
	MailTransportAMQP = "amqp"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config aggregates runtime settings for the billing CLI and HTTP server.
type Config struct {
	DatabaseURL       string
	StoreBackend      string
	ListenAddr        string
	RequestTimeout    time.Duration
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	InitialDeposit    decimal.Decimal

	MailTransport     string
	MailFrom          string
	SMTPAddr          string
	SMTPUsername      string
	SMTPPassword      string
	AMQPURL           string
	AMQPQueue         string
	MailRatePerSecond float64
	ReportRecipient   string

	// OTLPEndpoint receives trace batches over OTLP/HTTP; empty keeps spans in process.
	OTLPEndpoint string
}

// Validate fills defaults and checks the settings every command shares.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreBackend = strings.ToLower(defaultIfEmpty(cfg.StoreBackend, StoreGorm))
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.MailTransport = strings.ToLower(defaultIfEmpty(cfg.MailTransport, MailTransportLog))
	cfg.MailFrom = defaultIfEmpty(cfg.MailFrom, defaultMailFrom)
	cfg.AMQPQueue = defaultIfEmpty(cfg.AMQPQueue, defaultAMQPQueue)

	switch cfg.StoreBackend {
	case StoreGorm, StorePgx:
	default:
		return fmt.Errorf("%w: unsupported store backend %q", ErrInvalidConfig, cfg.StoreBackend)
	}
	if cfg.InitialDeposit.IsNegative() {
		return fmt.Errorf("%w: initial deposit must not be negative", ErrInvalidConfig)
	}
	if cfg.MailRatePerSecond < 0 {
		return fmt.Errorf("%w: mail rate must not be negative", ErrInvalidConfig)
	}
	switch cfg.MailTransport {
	case MailTransportLog:
	case MailTransportSMTP:
		if strings.TrimSpace(cfg.SMTPAddr) == "" {
			return fmt.Errorf("%w: smtp address is required for smtp transport", ErrInvalidConfig)
		}
	case MailTransportAMQP:
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return fmt.Errorf("%w: amqp url is required for amqp transport", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported mail transport %q", ErrInvalidConfig, cfg.MailTransport)
	}
	cfg.OTLPEndpoint = strings.TrimSpace(cfg.OTLPEndpoint)
	if cfg.OTLPEndpoint != "" {
		endpoint, err := url.Parse(cfg.OTLPEndpoint)
		if err != nil || (endpoint.Scheme != "http" && endpoint.Scheme != "https") || endpoint.Host == "" {
			return fmt.Errorf("%w: otlp endpoint must be an http(s) url", ErrInvalidConfig)
		}
	}
	return nil
}

// ValidateServe adds the checks the HTTP server needs on top of Validate.
func (cfg *Config) ValidateServe() error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("%w: jwt signing key is required", ErrInvalidConfig)
	}
	return nil
}

// ValidateReport adds the checks the report command needs on top of Validate.
func (cfg *Config) ValidateReport() error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.ReportRecipient) == "" {
		return fmt.Errorf("%w: report recipient is required", ErrInvalidConfig)
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
