package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App       AppConfig
	Service   ServiceConfig
	DB        DBConfig
	Redis     RedisConfig
	Payment   PaymentConfig
	OrderFlow OrderFlowConfig
	Catalog   CatalogConfig
	Cron      CronConfig
	Notify    NotifyConfig

	FeatureFlags FeatureFlags
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Payment.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"RUSBRIDGE_APP_ENV" required:"true"`
	Port         string `envconfig:"RUSBRIDGE_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"RUSBRIDGE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"RUSBRIDGE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"RUSBRIDGE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"RUSBRIDGE_DB_DSN"`
	Driver string `envconfig:"RUSBRIDGE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"RUSBRIDGE_DB_HOST"`
	LegacyPort     int    `envconfig:"RUSBRIDGE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"RUSBRIDGE_DB_USER"`
	LegacyPassword string `envconfig:"RUSBRIDGE_DB_PASSWORD"`
	LegacyName     string `envconfig:"RUSBRIDGE_DB_NAME"`
	LegacySSLMode  string `envconfig:"RUSBRIDGE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"RUSBRIDGE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"RUSBRIDGE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"RUSBRIDGE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"RUSBRIDGE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"RUSBRIDGE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"RUSBRIDGE_REDIS_ADDR"`
	Password     string        `envconfig:"RUSBRIDGE_REDIS_PASSWORD"`
	DB           int           `envconfig:"RUSBRIDGE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"RUSBRIDGE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"RUSBRIDGE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"RUSBRIDGE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"RUSBRIDGE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"RUSBRIDGE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// PaymentConfig drives the Robokassa payment-link adapter. In test mode the
// adapter returns the mock URLs and skips signing.
type PaymentConfig struct {
	TestMode       bool   `envconfig:"RUSBRIDGE_PAYMENT_TEST_MODE" default:"true"`
	MockSuccessURL string `envconfig:"RUSBRIDGE_PAYMENT_MOCK_SUCCESS_URL" default:"https://khabusiness.github.io/rusbridge-site/success.html"`
	MockFailURL    string `envconfig:"RUSBRIDGE_PAYMENT_MOCK_FAIL_URL" default:"https://khabusiness.github.io/rusbridge-site/fail.html"`

	MerchantLogin string `envconfig:"RUSBRIDGE_ROBOKASSA_MERCHANT_LOGIN"`
	Password1     string `envconfig:"RUSBRIDGE_ROBOKASSA_PASSWORD_1"`
	Password2     string `envconfig:"RUSBRIDGE_ROBOKASSA_PASSWORD_2"`
	HashAlgo      string `envconfig:"RUSBRIDGE_ROBOKASSA_HASH_ALGO" default:"md5"`
	SuccessURL    string `envconfig:"RUSBRIDGE_ROBOKASSA_SUCCESS_URL"`
	FailURL       string `envconfig:"RUSBRIDGE_ROBOKASSA_FAIL_URL"`
	IsTest        bool   `envconfig:"RUSBRIDGE_ROBOKASSA_IS_TEST" default:"false"`
}

func (p PaymentConfig) Algo() string {
	return strings.ToLower(strings.TrimSpace(p.HashAlgo))
}

func (p PaymentConfig) validate() error {
	if p.TestMode {
		return nil
	}
	missing := []string{}
	if p.MerchantLogin == "" {
		missing = append(missing, "RUSBRIDGE_ROBOKASSA_MERCHANT_LOGIN")
	}
	if p.Password1 == "" {
		missing = append(missing, "RUSBRIDGE_ROBOKASSA_PASSWORD_1")
	}
	if p.Password2 == "" {
		missing = append(missing, "RUSBRIDGE_ROBOKASSA_PASSWORD_2")
	}
	if len(missing) > 0 {
		return fmt.Errorf("payment test mode disabled but %s unset", strings.Join(missing, ", "))
	}
	return nil
}

// OrderFlowConfig carries the business limits of the order engine. TestMode
// disables the daily creation quota; it is production-reachable on purpose
// and gets logged at startup.
type OrderFlowConfig struct {
	DailyOrderLimit        int           `envconfig:"RUSBRIDGE_ORDERFLOW_DAILY_LIMIT" default:"3"`
	TestMode               bool          `envconfig:"RUSBRIDGE_ORDERFLOW_TEST_MODE" default:"false"`
	WaitPayTimeout         time.Duration `envconfig:"RUSBRIDGE_ORDERFLOW_WAIT_PAY_TIMEOUT" default:"60m"`
	WaitServiceLinkTimeout time.Duration `envconfig:"RUSBRIDGE_ORDERFLOW_WAIT_LINK_TIMEOUT" default:"12h"`
}

type CatalogConfig struct {
	ProductsFile string `envconfig:"RUSBRIDGE_PRODUCTS_FILE" default:"data/products.json"`
}

type CronConfig struct {
	TimeoutScanInterval   time.Duration `envconfig:"RUSBRIDGE_CRON_TIMEOUT_SCAN_INTERVAL" default:"10m"`
	RemindersInterval     time.Duration `envconfig:"RUSBRIDGE_CRON_REMINDERS_INTERVAL" default:"6h"`
	WebhookIdempotencyTTL time.Duration `envconfig:"RUSBRIDGE_WEBHOOK_IDEMPOTENCY_TTL" default:"72h"`
}

type FeatureFlags struct {
	AutoMigrate bool `envconfig:"RUSBRIDGE_FF_AUTO_MIGRATE" default:"false"`
}

type NotifyConfig struct {
	AdminChatID int64 `envconfig:"RUSBRIDGE_ADMIN_CHAT_ID"`
	OwnerChatID int64 `envconfig:"RUSBRIDGE_OWNER_CHAT_ID"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
