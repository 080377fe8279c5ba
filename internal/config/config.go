package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Dispatch  DispatchConfig
	SMS       SMSConfig
	Trunks    TrunksConfig
	Telephony TelephonyConfig
	Slack     SlackConfig
	Scheduler SchedulerConfig
}

type AppConfig struct {
	Env  string
	Port int
	// PhoneRegion is the ISO region used for numbers written without a
	// country code.
	PhoneRegion string
	LogFile     string
	// DirectoryFile seeds the in-memory employee directory when no
	// database is configured.
	DirectoryFile string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// Enabled is false in local runs without DB_HOST; the process then keeps
// broadcasts in memory.
func (c DBConfig) Enabled() bool { return c.Host != "" }

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

func (c RedisConfig) Enabled() bool { return c.Host != "" }

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	// DevLogin exposes POST /v1/auth/login without credential checks.
	// Never allowed in production.
	DevLogin bool
}

type DispatchConfig struct {
	MaxRetries           int
	RetryDelay           time.Duration
	RingTimeout          time.Duration
	MaxCallDuration      time.Duration
	DTMFTimeout          time.Duration
	ConfirmDigit         string
	MaxBroadcastDuration time.Duration
	// TrunkFailureThreshold consecutive transport errors mark a trunk failed.
	TrunkFailureThreshold int
	// DistributedCapacity gates trunk channels through Redis as well, for
	// several API processes sharing one trunk pool.
	DistributedCapacity bool
	Escalate            bool
}

type SMSConfig struct {
	// Gateway is "log" or "http".
	Gateway       string
	BaseURL       string
	Email         string
	Password      string
	Sender        string
	TestText      string
	RatePerSecond float64
	Burst         int
}

type TrunksConfig struct {
	File string
}

type TelephonyConfig struct {
	// Kind is "simulated" or "laml".
	Kind            string
	BaseURL         string
	ProjectID       string
	Token           string
	CallbackBaseURL string
	CallerID        string
	// SimConfirmRate and SimDelay shape the simulated transport.
	SimConfirmRate float64
	SimDelay       time.Duration
}

type SlackConfig struct {
	WebhookURL string
}

type SchedulerConfig struct {
	Spec string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PhoneRegion = strings.TrimSpace(os.Getenv("PHONE_REGION"))
	c.App.LogFile = strings.TrimSpace(os.Getenv("LOG_FILE"))
	c.App.DirectoryFile = strings.TrimSpace(os.Getenv("DIRECTORY_FILE"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	if c.DB.Enabled() {
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if c.Redis.Enabled() {
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Optional values below; defaults applied in applyDefaults().
	c.Auth.AccessTokenTTL, parseErrs = optDuration(parseErrs, "JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL, parseErrs = optDuration(parseErrs, "JWT_REFRESH_TTL")
	c.Auth.DevLogin, parseErrs = optBool(parseErrs, "AUTH_DEV_LOGIN", false)

	c.Dispatch.MaxRetries, parseErrs = optInt(parseErrs, "DISPATCH_MAX_RETRIES")
	c.Dispatch.RetryDelay, parseErrs = optDuration(parseErrs, "DISPATCH_RETRY_DELAY")
	c.Dispatch.RingTimeout, parseErrs = optDuration(parseErrs, "DISPATCH_RING_TIMEOUT")
	c.Dispatch.MaxCallDuration, parseErrs = optDuration(parseErrs, "DISPATCH_MAX_CALL_DURATION")
	c.Dispatch.DTMFTimeout, parseErrs = optDuration(parseErrs, "DISPATCH_DTMF_TIMEOUT")
	c.Dispatch.ConfirmDigit = strings.TrimSpace(os.Getenv("DISPATCH_CONFIRM_DIGIT"))
	c.Dispatch.MaxBroadcastDuration, parseErrs = optDuration(parseErrs, "DISPATCH_MAX_BROADCAST_DURATION")
	c.Dispatch.TrunkFailureThreshold, parseErrs = optInt(parseErrs, "DISPATCH_TRUNK_FAILURE_THRESHOLD")
	c.Dispatch.DistributedCapacity, parseErrs = optBool(parseErrs, "DISPATCH_DISTRIBUTED_CAPACITY", false)
	c.Dispatch.Escalate, parseErrs = optBool(parseErrs, "DISPATCH_ESCALATE", true)

	c.SMS.Gateway = strings.TrimSpace(os.Getenv("SMS_GATEWAY"))
	c.SMS.BaseURL = strings.TrimSpace(os.Getenv("SMS_BASE_URL"))
	c.SMS.Email = strings.TrimSpace(os.Getenv("SMS_EMAIL"))
	c.SMS.Password = os.Getenv("SMS_PASSWORD")
	c.SMS.Sender = strings.TrimSpace(os.Getenv("SMS_SENDER"))
	c.SMS.TestText = os.Getenv("SMS_TEST_TEXT")
	c.SMS.RatePerSecond, parseErrs = optFloat(parseErrs, "SMS_RATE_PER_SECOND")
	c.SMS.Burst, parseErrs = optInt(parseErrs, "SMS_BURST")

	c.Trunks.File = strings.TrimSpace(os.Getenv("TRUNKS_FILE"))

	c.Telephony.Kind = strings.TrimSpace(os.Getenv("TELEPHONY_KIND"))
	c.Telephony.BaseURL = strings.TrimSpace(os.Getenv("TELEPHONY_BASE_URL"))
	c.Telephony.ProjectID = strings.TrimSpace(os.Getenv("TELEPHONY_PROJECT_ID"))
	c.Telephony.Token = os.Getenv("TELEPHONY_TOKEN")
	c.Telephony.CallbackBaseURL = strings.TrimSpace(os.Getenv("TELEPHONY_CALLBACK_BASE_URL"))
	c.Telephony.CallerID = strings.TrimSpace(os.Getenv("TELEPHONY_CALLER_ID"))
	c.Telephony.SimConfirmRate, parseErrs = optFloat(parseErrs, "TELEPHONY_SIM_CONFIRM_RATE")
	c.Telephony.SimDelay, parseErrs = optDuration(parseErrs, "TELEPHONY_SIM_DELAY")

	c.Slack.WebhookURL = strings.TrimSpace(os.Getenv("SLACK_WEBHOOK_URL"))
	c.Scheduler.Spec = strings.TrimSpace(os.Getenv("SCHEDULER_SPEC"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// applyDefaults fills optional values. Production-only requirements are
// left empty so Validate can report them.
func (c *Config) applyDefaults() {
	if c.App.PhoneRegion == "" {
		c.App.PhoneRegion = "UZ"
	}
	if c.DB.SSLMode == "" && !c.IsProduction() {
		// Local-friendly default; production must be explicit.
		c.DB.SSLMode = "disable"
	}
	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}

	d := &c.Dispatch
	if d.MaxRetries == 0 {
		d.MaxRetries = 3
	}
	if d.RingTimeout == 0 {
		d.RingTimeout = 30 * time.Second
	}
	if d.MaxCallDuration == 0 {
		d.MaxCallDuration = 15 * time.Second
	}
	if d.DTMFTimeout == 0 {
		d.DTMFTimeout = 10 * time.Second
	}
	if d.ConfirmDigit == "" {
		d.ConfirmDigit = "1"
	}
	if d.MaxBroadcastDuration == 0 {
		d.MaxBroadcastDuration = 2 * time.Hour
	}
	if d.TrunkFailureThreshold == 0 {
		d.TrunkFailureThreshold = 3
	}

	if c.SMS.Gateway == "" {
		c.SMS.Gateway = "log"
	}
	if c.SMS.RatePerSecond == 0 {
		c.SMS.RatePerSecond = 5
	}
	if c.SMS.Burst == 0 {
		c.SMS.Burst = 5
	}

	if c.Telephony.Kind == "" {
		c.Telephony.Kind = "simulated"
	}
	if c.Telephony.SimConfirmRate == 0 {
		c.Telephony.SimConfirmRate = 0.7
	}
	if c.Telephony.SimDelay == 0 {
		c.Telephony.SimDelay = 2 * time.Second
	}

	if c.Scheduler.Spec == "" {
		c.Scheduler.Spec = "@every 30s"
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if !c.DB.Enabled() {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_HOST is required in production"))
		}
	} else {
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required"))
		}
		if c.DB.SSLMode == "" {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else if !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.Redis.Enabled() {
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	} else if c.Dispatch.DistributedCapacity {
		errs = append(errs, errors.New("REDIS_HOST is required when DISPATCH_DISTRIBUTED_CAPACITY is on"))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
		if c.Auth.DevLogin {
			errs = append(errs, errors.New("AUTH_DEV_LOGIN must be off in production"))
		}
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	errs = append(errs, c.Dispatch.validate()...)
	errs = append(errs, c.SMS.validate(c.IsProduction())...)
	errs = append(errs, c.Telephony.validate(c.IsProduction())...)

	if c.Slack.WebhookURL != "" && !isHTTPURL(c.Slack.WebhookURL) {
		errs = append(errs, fmt.Errorf("SLACK_WEBHOOK_URL must be an http(s) url, got %q", c.Slack.WebhookURL))
	}

	return joinErrors(errs)
}

func (d DispatchConfig) validate() []error {
	var errs []error
	if d.MaxRetries < 1 || d.MaxRetries > 10 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_RETRIES must be between 1 and 10, got %d", d.MaxRetries))
	}
	if d.RetryDelay < 0 {
		errs = append(errs, errors.New("DISPATCH_RETRY_DELAY must not be negative"))
	}
	for _, f := range []struct {
		name string
		v    time.Duration
	}{
		{"DISPATCH_RING_TIMEOUT", d.RingTimeout},
		{"DISPATCH_MAX_CALL_DURATION", d.MaxCallDuration},
		{"DISPATCH_DTMF_TIMEOUT", d.DTMFTimeout},
		{"DISPATCH_MAX_BROADCAST_DURATION", d.MaxBroadcastDuration},
	} {
		if f.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", f.name, f.v))
		}
	}
	if len(d.ConfirmDigit) != 1 || !strings.Contains("0123456789*#", d.ConfirmDigit) {
		errs = append(errs, fmt.Errorf("DISPATCH_CONFIRM_DIGIT must be one DTMF key, got %q", d.ConfirmDigit))
	}
	if d.TrunkFailureThreshold < 0 {
		errs = append(errs, errors.New("DISPATCH_TRUNK_FAILURE_THRESHOLD must not be negative"))
	}
	return errs
}

func (s SMSConfig) validate(production bool) []error {
	var errs []error
	switch s.Gateway {
	case "log":
		if production {
			errs = append(errs, errors.New("SMS_GATEWAY=log is not allowed in production"))
		}
	case "http":
		if !isHTTPURL(s.BaseURL) {
			errs = append(errs, fmt.Errorf("SMS_BASE_URL must be an http(s) url, got %q", s.BaseURL))
		}
		if s.Email == "" || s.Password == "" {
			errs = append(errs, errors.New("SMS_EMAIL and SMS_PASSWORD are required for SMS_GATEWAY=http"))
		}
	default:
		errs = append(errs, fmt.Errorf("SMS_GATEWAY must be one of log, http, got %q", s.Gateway))
	}
	if s.RatePerSecond < 0 {
		errs = append(errs, errors.New("SMS_RATE_PER_SECOND must not be negative"))
	}
	return errs
}

func (t TelephonyConfig) validate(production bool) []error {
	var errs []error
	switch t.Kind {
	case "simulated":
		if production {
			errs = append(errs, errors.New("TELEPHONY_KIND=simulated is not allowed in production"))
		}
		if t.SimConfirmRate < 0 || t.SimConfirmRate > 1 {
			errs = append(errs, fmt.Errorf("TELEPHONY_SIM_CONFIRM_RATE must be within [0,1], got %v", t.SimConfirmRate))
		}
	case "laml":
		if !isHTTPURL(t.BaseURL) {
			errs = append(errs, fmt.Errorf("TELEPHONY_BASE_URL must be an http(s) url, got %q", t.BaseURL))
		}
		if t.ProjectID == "" || t.Token == "" {
			errs = append(errs, errors.New("TELEPHONY_PROJECT_ID and TELEPHONY_TOKEN are required for TELEPHONY_KIND=laml"))
		}
		if !isHTTPURL(t.CallbackBaseURL) {
			errs = append(errs, fmt.Errorf("TELEPHONY_CALLBACK_BASE_URL must be an http(s) url, got %q", t.CallbackBaseURL))
		}
	default:
		errs = append(errs, fmt.Errorf("TELEPHONY_KIND must be one of simulated, laml, got %q", t.Kind))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(errs []error, key string) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optFloat(errs []error, key string) (float64, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a number, got %q", key, v))
	}
	return f, errs
}

func optBool(errs []error, key string, def bool) (bool, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
	}
	return b, errs
}

func optDuration(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func isHTTPURL(v string) bool {
	u, err := url.Parse(v)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
