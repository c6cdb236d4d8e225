package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	AppEnv          string        `env:"APP_ENV" envDefault:"production"`
	LedgerBackend   string        `env:"LEDGER_BACKEND" envDefault:"postgres"`
	DBDSN           string        `env:"DB_DSN"`
	JWTIssuer       string        `env:"JWT_ISSUER,required,notEmpty"`
	JWTSecret       string        `env:"JWT_SECRET,required,notEmpty"`
	JWTTTL          time.Duration `env:"JWT_TTL" envDefault:"24h"`
	InternalToken   string        `env:"INTERNAL_API_TOKEN,required,notEmpty"`
	WebSocketOrigin string        `env:"WS_ORIGIN" envDefault:"*"`
	InstrumentsFile string        `env:"INSTRUMENTS_FILE"`
	DefaultBalance  string        `env:"DEFAULT_BALANCE" envDefault:"1000000"`
	Currency        string        `env:"CURRENCY" envDefault:"IDR"`

	TradeMaxAttempts   int           `env:"TRADE_MAX_ATTEMPTS" envDefault:"3"`
	TradeRetryInterval    time.Duration `env:"TRADE_RETRY_INTERVAL" envDefault:"50ms"`
	TradeRetryMaxInterval time.Duration `env:"TRADE_RETRY_MAX_INTERVAL" envDefault:"1s"`
	CommitTimeout         time.Duration `env:"COMMIT_TIMEOUT" envDefault:"5s"`
	AverageCostScale      int32         `env:"AVERAGE_COST_SCALE" envDefault:"4"`
	MaxQuoteAge           time.Duration `env:"MAX_QUOTE_AGE" envDefault:"0s"`

	PortfolioCacheTTL time.Duration `env:"PORTFOLIO_CACHE_TTL" envDefault:"5s"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"papertrade.trades"`
	JournalDir   string   `env:"JOURNAL_DIR"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, errors.Wrap(err, "parse env")
	}
	c.LedgerBackend = strings.ToLower(strings.TrimSpace(c.LedgerBackend))
	c.AppEnv = strings.ToLower(strings.TrimSpace(c.AppEnv))
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	return c, c.Validate()
}

func (c Config) Validate() error {
	var problems []string
	switch c.LedgerBackend {
	case BackendPostgres:
		if c.DBDSN == "" {
			problems = append(problems, "DB_DSN is required for the postgres backend")
		}
	case BackendMemory:
	default:
		problems = append(problems, "LEDGER_BACKEND must be postgres or memory")
	}
	if c.AppEnv != "development" && c.AppEnv != "production" {
		problems = append(problems, "APP_ENV must be development or production")
	}
	if bal, err := decimal.NewFromString(c.DefaultBalance); err != nil || bal.IsNegative() {
		problems = append(problems, "DEFAULT_BALANCE must be a non-negative number")
	}
	if c.TradeMaxAttempts < 1 {
		problems = append(problems, "TRADE_MAX_ATTEMPTS must be at least 1")
	}
	if c.TradeRetryMaxInterval < c.TradeRetryInterval || c.TradeRetryMaxInterval <= 0 {
		problems = append(problems, "TRADE_RETRY_MAX_INTERVAL must be positive and not below TRADE_RETRY_INTERVAL")
	}
	if c.CommitTimeout <= 0 {
		problems = append(problems, "COMMIT_TIMEOUT must be positive")
	}
	if c.AverageCostScale < 0 || c.AverageCostScale > 8 {
		problems = append(problems, "AVERAGE_COST_SCALE must be between 0 and 8")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		problems = append(problems, "KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) DefaultBalanceDecimal() decimal.Decimal {
	d, _ := decimal.NewFromString(c.DefaultBalance)
	return d
}

func (c Config) Development() bool {
	return c.AppEnv == "development"
}
