package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/text/currency"
)

const (
	defaultEnvFile             = ".env"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 20 * time.Second
	defaultEnvironment         = "local"
	defaultDBPort              = 3306
	defaultDBMaxOpenConns      = 25
	defaultDBMaxIdleConns      = 10
	defaultDBConnMaxLifetime   = 5 * time.Minute
	defaultStripeCurrency      = "zar"
	defaultStripeTimeout       = 10 * time.Second
	defaultTokenTTL            = 30 * 24 * time.Hour
	defaultOrderTimeZone       = "UTC"
	defaultOrderCreateAttempts = 3
	defaultOrderNumberMax      = 99999
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
	defaultEventsBackend       = EventsBackendNone
	defaultPubSubTopic         = "order-events"
	defaultRabbitExchange      = "orders"
	defaultLogLevel            = "info"
)

// Supported order event backends.
const (
	EventsBackendNone     = "none"
	EventsBackendPubSub   = "pubsub"
	EventsBackendRabbitMQ = "rabbitmq"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	Server      ServerConfig
	Database    DatabaseConfig
	Stripe      StripeConfig
	Auth        AuthConfig
	Orders      OrdersConfig
	Idempotency IdempotencyConfig
	Events      EventsConfig
	Secrets     SecretsConfig
	Logging     LoggingConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds MySQL connection settings. DSN wins over the discrete fields when set.
type DatabaseConfig struct {
	DSN             string
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// StripeConfig collects payment provider credentials.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
	Timeout       time.Duration
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	JWKSURL   string
	TokenTTL  time.Duration
}

// OrdersConfig tunes order creation.
type OrdersConfig struct {
	NumberTimeZone   string
	CreateAttempts   int
	DailySequenceMax int64
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	RedisURL         string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// EventsConfig selects where order events are published.
type EventsConfig struct {
	Backend          string
	PubSubProjectID  string
	PubSubTopic      string
	RabbitMQURL      string
	RabbitMQExchange string
}

// SecretsConfig configures the Secret Manager resolver.
type SecretsConfig struct {
	ProjectID       string
	CredentialsFile string
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to empty values.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns hashed secret identifiers safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "Stripe.SecretKey") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

// Lookup returns a key lookup honouring the same precedence as Load (dotenv < OS env < explicit map).
// Callers use it to bootstrap dependencies, such as the secret fetcher, before invoking Load.
func Lookup(opts ...Option) (func(string) (string, bool), error) {
	options := newLoaderOptions(opts)
	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	return newLookup(options, dotEnvValues), nil
}

func newLookup(options loaderOptions, dotEnv map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnv[key]; ok {
			return value, true
		}
		return "", false
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}
	lookup := newLookup(options, dotEnvValues)

	cfg := Config{
		Environment: strings.ToLower(stringWithDefault(lookup, "APP_ENV", defaultEnvironment)),
		Server: ServerConfig{
			Port:            stringWithDefault(lookup, "PORT", defaultPort),
			ReadTimeout:     durationWithDefault(lookup, "SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    durationWithDefault(lookup, "SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     durationWithDefault(lookup, "SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: durationWithDefault(lookup, "SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		},
		Database: DatabaseConfig{
			DSN:             stringWithDefault(lookup, "MYSQL_DSN", ""),
			Host:            stringWithDefault(lookup, "DB_HOST", "localhost"),
			Port:            intWithDefault(lookup, "DB_PORT", defaultDBPort),
			User:            stringWithDefault(lookup, "DB_USER", ""),
			Password:        stringWithDefault(lookup, "DB_PASSWORD", ""),
			Name:            stringWithDefault(lookup, "DB_NAME", ""),
			MaxOpenConns:    intWithDefault(lookup, "DB_MAX_OPEN_CONNS", defaultDBMaxOpenConns),
			MaxIdleConns:    intWithDefault(lookup, "DB_MAX_IDLE_CONNS", defaultDBMaxIdleConns),
			ConnMaxLifetime: durationWithDefault(lookup, "DB_CONN_MAX_LIFETIME", defaultDBConnMaxLifetime),
			AutoMigrate:     boolWithDefault(lookup, "DB_AUTO_MIGRATE", false),
		},
		Stripe: StripeConfig{
			SecretKey:     stringWithDefault(lookup, "STRIPE_SECRET_KEY", ""),
			WebhookSecret: stringWithDefault(lookup, "STRIPE_WEBHOOK_SECRET", ""),
			Currency:      strings.ToLower(stringWithDefault(lookup, "STRIPE_CURRENCY", defaultStripeCurrency)),
			Timeout:       durationWithDefault(lookup, "STRIPE_TIMEOUT", defaultStripeTimeout),
		},
		Auth: AuthConfig{
			JWTSecret: stringWithDefault(lookup, "JWT_SECRET", ""),
			Issuer:    stringWithDefault(lookup, "JWT_ISSUER", ""),
			JWKSURL:   stringWithDefault(lookup, "AUTH_JWKS_URL", ""),
			TokenTTL:  durationWithDefault(lookup, "JWT_TTL", defaultTokenTTL),
		},
		Orders: OrdersConfig{
			NumberTimeZone:   stringWithDefault(lookup, "ORDER_NUMBER_TIMEZONE", defaultOrderTimeZone),
			CreateAttempts:   intWithDefault(lookup, "ORDER_CREATE_MAX_ATTEMPTS", defaultOrderCreateAttempts),
			DailySequenceMax: int64(intWithDefault(lookup, "ORDER_DAILY_SEQUENCE_MAX", defaultOrderNumberMax)),
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			RedisURL:         stringWithDefault(lookup, "REDIS_URL", ""),
			TTL:              durationWithDefault(lookup, "IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
		Events: EventsConfig{
			Backend:          strings.ToLower(stringWithDefault(lookup, "ORDER_EVENTS_BACKEND", defaultEventsBackend)),
			PubSubProjectID:  stringWithDefault(lookup, "PUBSUB_PROJECT_ID", ""),
			PubSubTopic:      stringWithDefault(lookup, "PUBSUB_ORDER_TOPIC", defaultPubSubTopic),
			RabbitMQURL:      stringWithDefault(lookup, "RABBITMQ_URL", ""),
			RabbitMQExchange: stringWithDefault(lookup, "RABBITMQ_ORDER_EXCHANGE", defaultRabbitExchange),
		},
		Secrets: SecretsConfig{
			ProjectID:       stringWithDefault(lookup, "GOOGLE_CLOUD_PROJECT", ""),
			CredentialsFile: stringWithDefault(lookup, "GOOGLE_APPLICATION_CREDENTIALS", ""),
		},
		Logging: LoggingConfig{
			Level: strings.ToLower(stringWithDefault(lookup, "LOG_LEVEL", defaultLogLevel)),
		},
	}

	if cfg.Events.PubSubProjectID == "" {
		cfg.Events.PubSubProjectID = cfg.Secrets.ProjectID
	}

	resolvedSecrets := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Database.DSN", &cfg.Database.DSN},
		{"Database.Password", &cfg.Database.Password},
		{"Stripe.SecretKey", &cfg.Stripe.SecretKey},
		{"Stripe.WebhookSecret", &cfg.Stripe.WebhookSecret},
		{"Auth.JWTSecret", &cfg.Auth.JWTSecret},
		{"Idempotency.RedisURL", &cfg.Idempotency.RedisURL},
		{"Events.RabbitMQURL", &cfg.Events.RabbitMQURL},
	}
	for _, target := range secretFields {
		resolved, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = resolved
		resolvedSecrets[target.name] = strings.TrimSpace(resolved)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		return Config{}, missing
	}

	return cfg, nil
}

// Location returns the time zone used to date order numbers.
func (c OrdersConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.NumberTimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Database.DSN == "" && (cfg.Database.User == "" || cfg.Database.Name == "") {
		missing = append(missing, "Database.DSN")
	}
	if cfg.Stripe.SecretKey == "" {
		missing = append(missing, "Stripe.SecretKey")
	}
	if cfg.Stripe.WebhookSecret == "" {
		missing = append(missing, "Stripe.WebhookSecret")
	}
	if _, err := currency.ParseISO(strings.ToUpper(cfg.Stripe.Currency)); err != nil {
		missing = append(missing, "Stripe.Currency")
	}
	if cfg.Stripe.Timeout <= 0 {
		missing = append(missing, "Stripe.Timeout")
	}
	if cfg.Auth.JWTSecret == "" && cfg.Auth.JWKSURL == "" {
		missing = append(missing, "Auth.JWTSecret")
	}
	if _, err := time.LoadLocation(cfg.Orders.NumberTimeZone); err != nil {
		missing = append(missing, "Orders.NumberTimeZone")
	}
	if cfg.Orders.CreateAttempts <= 0 {
		missing = append(missing, "Orders.CreateAttempts")
	}
	if cfg.Orders.DailySequenceMax <= 0 {
		missing = append(missing, "Orders.DailySequenceMax")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}

	switch cfg.Events.Backend {
	case EventsBackendNone:
	case EventsBackendPubSub:
		if cfg.Events.PubSubProjectID == "" {
			missing = append(missing, "Events.PubSubProjectID")
		}
		if cfg.Events.PubSubTopic == "" {
			missing = append(missing, "Events.PubSubTopic")
		}
	case EventsBackendRabbitMQ:
		if cfg.Events.RabbitMQURL == "" {
			missing = append(missing, "Events.RabbitMQURL")
		}
		if cfg.Events.RabbitMQExchange == "" {
			missing = append(missing, "Events.RabbitMQExchange")
		}
	default:
		missing = append(missing, "Events.Backend")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	var names []string
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if resolved[trimmed] != "" {
			continue
		}
		names = append(names, trimmed)
	}
	if len(names) == 0 {
		return nil
	}
	return &MissingSecretsError{names: names}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}
