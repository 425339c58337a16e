package settings

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type CloverConfig struct {
	Host                 string `mapstructure:"host" yaml:"host" json:"host"`
	Port                 int    `mapstructure:"port" yaml:"port" json:"port"`
	Secure               bool   `mapstructure:"secure" yaml:"secure" json:"secure"`
	AuthToken            string `mapstructure:"authToken" yaml:"authToken" json:"authToken"`
	RemoteAppID          string `mapstructure:"remoteAppId" yaml:"remoteAppId" json:"remoteAppId"`
	PosName              string `mapstructure:"posName" yaml:"posName" json:"posName"`
	SerialNumber         string `mapstructure:"serialNumber" yaml:"serialNumber" json:"serialNumber"`
	ReconnectDelayMs     int    `mapstructure:"reconnectDelayMs" yaml:"reconnectDelayMs" json:"reconnectDelayMs"`
	MaxReconnectAttempts int    `mapstructure:"maxReconnectAttempts" yaml:"maxReconnectAttempts" json:"maxReconnectAttempts"`
	SimulatedPairing     bool   `mapstructure:"simulatedPairing" yaml:"simulatedPairing" json:"simulatedPairing"`
	Enabled              bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

// URL is the terminal's remote-pay endpoint.
func (c CloverConfig) URL() string {
	scheme := "ws"
	if c.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/remote_pay", scheme, c.Host, c.Port)
}

func (c CloverConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

type APIConfig struct {
	Host string `mapstructure:"host" yaml:"host" json:"host"`
	Port int    `mapstructure:"port" yaml:"port" json:"port"`
}

func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type FoldersConfig struct {
	Inbox   string `mapstructure:"inbox" yaml:"inbox" json:"inbox"`
	Outbox  string `mapstructure:"outbox" yaml:"outbox" json:"outbox"`
	Archive string `mapstructure:"archive" yaml:"archive" json:"archive"`
}

type TransactionConfig struct {
	TimeoutMs     int `mapstructure:"timeoutMs" yaml:"timeoutMs" json:"timeoutMs"`
	BudgetSeconds int `mapstructure:"budgetSeconds" yaml:"budgetSeconds" json:"budgetSeconds"`
	DebounceMs    int `mapstructure:"debounceMs" yaml:"debounceMs" json:"debounceMs"`
	SettleMs      int `mapstructure:"settleMs" yaml:"settleMs" json:"settleMs"`
	Concurrency   int `mapstructure:"concurrency" yaml:"concurrency" json:"concurrency"`
}

func (c TransactionConfig) RequestTimeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c TransactionConfig) Budget() time.Duration {
	return time.Duration(c.BudgetSeconds) * time.Second
}

func (c TransactionConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

func (c TransactionConfig) Settle() time.Duration {
	return time.Duration(c.SettleMs) * time.Millisecond
}

type CorrelationConfig struct {
	OldestPendingFallback bool `mapstructure:"oldestPendingFallback" yaml:"oldestPendingFallback" json:"oldestPendingFallback"`
}

type QRConfig struct {
	AccessToken     string `mapstructure:"accessToken" yaml:"accessToken" json:"accessToken"`
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	UserID          int64  `mapstructure:"userId" yaml:"userId" json:"userId"`
	ExternalStoreID string `mapstructure:"externalStoreId" yaml:"externalStoreId" json:"externalStoreId"`
	ExternalPosID   string `mapstructure:"externalPosId" yaml:"externalPosId" json:"externalPosId"`
	WebhookURL      string `mapstructure:"webhookUrl" yaml:"webhookUrl" json:"webhookUrl"`
	WebhookSecret   string `mapstructure:"webhookSecret" yaml:"webhookSecret" json:"webhookSecret"`
	Currency        string `mapstructure:"currency" yaml:"currency" json:"currency"`
	OrderTTLSeconds int    `mapstructure:"orderTtl" yaml:"orderTtl" json:"orderTtl"`
	BaseURL         string `mapstructure:"baseUrl" yaml:"baseUrl" json:"baseUrl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
	File   string `mapstructure:"file" yaml:"file" json:"file"`
}

// Config is the whole config.yml.
type Config struct {
	Clover          CloverConfig      `mapstructure:"clover" yaml:"clover" json:"clover"`
	API             APIConfig         `mapstructure:"api" yaml:"api" json:"api"`
	Folders         FoldersConfig     `mapstructure:"folders" yaml:"folders" json:"folders"`
	Transaction     TransactionConfig `mapstructure:"transaction" yaml:"transaction" json:"transaction"`
	Correlation     CorrelationConfig `mapstructure:"correlation" yaml:"correlation" json:"correlation"`
	PaymentProvider string            `mapstructure:"paymentProvider" yaml:"paymentProvider" json:"paymentProvider"`
	QR              QRConfig          `mapstructure:"qrmp" yaml:"qrmp" json:"qrmp"`
	Log             LogConfig         `mapstructure:"log" yaml:"log" json:"log"`
}

// Validate rejects values the bridge cannot run with.
func (c Config) Validate() error {
	if c.Clover.Port <= 0 || c.Clover.Port > 65535 {
		return fmt.Errorf("clover.port out of range: %d", c.Clover.Port)
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port out of range: %d", c.API.Port)
	}
	if c.Transaction.BudgetSeconds <= 0 {
		return fmt.Errorf("transaction.budgetSeconds must be positive")
	}
	if c.Transaction.TimeoutMs <= 0 {
		return fmt.Errorf("transaction.timeoutMs must be positive")
	}
	switch strings.ToUpper(c.PaymentProvider) {
	case "CLOVER", "QRMP":
	default:
		return fmt.Errorf("unknown paymentProvider %q", c.PaymentProvider)
	}
	if c.Folders.Inbox == "" || c.Folders.Outbox == "" || c.Folders.Archive == "" {
		return fmt.Errorf("inbox, outbox and archive folders are required")
	}
	return nil
}

func setDefaults(v *viper.Viper, baseDir string) {
	v.SetDefault("clover.host", "10.1.1.53")
	v.SetDefault("clover.port", 12345)
	v.SetDefault("clover.secure", false)
	v.SetDefault("clover.authToken", "")
	v.SetDefault("clover.remoteAppId", "clover-bridge")
	v.SetDefault("clover.posName", "ERP Bridge")
	v.SetDefault("clover.serialNumber", "CB-001")
	v.SetDefault("clover.reconnectDelayMs", 5000)
	v.SetDefault("clover.maxReconnectAttempts", 10)
	v.SetDefault("clover.simulatedPairing", true)
	v.SetDefault("clover.enabled", true)

	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 3777)

	v.SetDefault("folders.inbox", filepath.Join(baseDir, "INBOX"))
	v.SetDefault("folders.outbox", filepath.Join(baseDir, "OUTBOX"))
	v.SetDefault("folders.archive", filepath.Join(baseDir, "ARCHIVE"))

	v.SetDefault("transaction.timeoutMs", 120000)
	v.SetDefault("transaction.budgetSeconds", 80)
	v.SetDefault("transaction.debounceMs", 2000)
	v.SetDefault("transaction.settleMs", 500)
	v.SetDefault("transaction.concurrency", 1)

	v.SetDefault("correlation.oldestPendingFallback", true)

	v.SetDefault("paymentProvider", "CLOVER")

	v.SetDefault("qrmp.accessToken", "")
	v.SetDefault("qrmp.enabled", true)
	v.SetDefault("qrmp.userId", 0)
	v.SetDefault("qrmp.externalStoreId", "")
	v.SetDefault("qrmp.externalPosId", "")
	v.SetDefault("qrmp.webhookUrl", "")
	v.SetDefault("qrmp.webhookSecret", "")
	v.SetDefault("qrmp.currency", "ARS")
	v.SetDefault("qrmp.orderTtl", 300)
	v.SetDefault("qrmp.baseUrl", "https://api.mercadopago.com")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
}

// DefaultConfig returns the built-in defaults rooted at baseDir.
func DefaultConfig(baseDir string) Config {
	v := viper.New()
	setDefaults(v, baseDir)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}
