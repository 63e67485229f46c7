package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del servicio.
type Config struct {
	Wallet     WalletConfig     `yaml:"wallet"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Pricing    PricingConfig    `yaml:"pricing"`
	Storage    StorageConfig    `yaml:"storage"`
	Notify     NotifyConfig     `yaml:"notify"`
	Log        LogConfig        `yaml:"log"`
}

// WalletConfig controla los conectores de wallet.
type WalletConfig struct {
	ConnectTimeoutSeconds int              `yaml:"connect_timeout_seconds"`
	DefaultChainID        int64            `yaml:"default_chain_id"`
	RPCByChain            map[int64]string `yaml:"rpc_by_chain"`
	// CustodialKeyEnv nombra la variable de entorno con la clave privada.
	// La clave nunca va en el YAML.
	CustodialKeyEnv string              `yaml:"custodial_key_env"`
	WalletConnect   WalletConnectConfig `yaml:"walletconnect"`
}

// WalletConnectConfig configura el relay de WalletConnect.
type WalletConnectConfig struct {
	RelayURL  string `yaml:"relay_url"`
	ProjectID string `yaml:"project_id"`
}

// ReconcilerConfig controla la reconciliación de posiciones.
type ReconcilerConfig struct {
	IntervalSeconds int    `yaml:"interval_seconds"`
	SubgraphURL     string `yaml:"subgraph_url"`
	Network         string `yaml:"network"`
	RPCURL          string `yaml:"rpc_url"`
	PositionManager string `yaml:"position_manager"`
}

// SchedulerConfig controla el recálculo periódico de APR.
type SchedulerConfig struct {
	Cron               string `yaml:"cron"` // expresión de 5 campos, UTC
	AlertAfterFailures int    `yaml:"alert_after_failures"`
	// TimeframeAdjustments mapea el timeframe en días al descuento de APR
	// en puntos porcentuales.
	TimeframeAdjustments map[int]float64 `yaml:"timeframe_adjustments"`
}

// PricingConfig controla la fuente de APRs de pools.
type PricingConfig struct {
	BaseURL           string `yaml:"base_url"`
	Project           string `yaml:"project"`
	CacheTTLSeconds   int    `yaml:"cache_ttl_seconds"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// NotifyConfig controla las alertas fuera de banda.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"` // vacío = solo consola
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// ConnectTimeout devuelve el timeout de conexión de wallet como Duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Wallet.ConnectTimeoutSeconds) * time.Second
}

// ReconcileInterval devuelve el intervalo de reconciliación como Duration.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconciler.IntervalSeconds) * time.Second
}

// PricingCacheTTL devuelve el TTL de la caché de pools como Duration.
func (c *Config) PricingCacheTTL() time.Duration {
	return time.Duration(c.Pricing.CacheTTLSeconds) * time.Second
}

// CustodialKey lee la clave privada custodiada del entorno. Devuelve cadena
// vacía si el conector custodial no está configurado.
func (c *Config) CustodialKey() string {
	if c.Wallet.CustodialKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Wallet.CustodialKeyEnv)
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("SUBGRAPH_URL"); v != "" {
		cfg.Reconciler.SubgraphURL = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("WC_RELAY_URL"); v != "" {
		cfg.Wallet.WalletConnect.RelayURL = v
	}
	if v := os.Getenv("WC_PROJECT_ID"); v != "" {
		cfg.Wallet.WalletConnect.ProjectID = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Wallet.ConnectTimeoutSeconds <= 0 {
		cfg.Wallet.ConnectTimeoutSeconds = 30
	}
	if cfg.Wallet.DefaultChainID == 0 {
		cfg.Wallet.DefaultChainID = 8453 // Base
	}
	if cfg.Wallet.CustodialKeyEnv == "" {
		cfg.Wallet.CustodialKeyEnv = "CUSTODIAL_PRIVATE_KEY"
	}
	if cfg.Reconciler.IntervalSeconds <= 0 {
		cfg.Reconciler.IntervalSeconds = 300
	}
	if cfg.Reconciler.Network == "" {
		cfg.Reconciler.Network = "base"
	}
	if cfg.Scheduler.Cron == "" {
		cfg.Scheduler.Cron = "0 0 * * *"
	}
	if cfg.Scheduler.AlertAfterFailures <= 0 {
		cfg.Scheduler.AlertAfterFailures = 3
	}
	if cfg.Pricing.BaseURL == "" {
		cfg.Pricing.BaseURL = "https://yields.llama.fi"
	}
	if cfg.Pricing.Project == "" {
		cfg.Pricing.Project = "uniswap-v3"
	}
	if cfg.Pricing.CacheTTLSeconds <= 0 {
		cfg.Pricing.CacheTTLSeconds = 300
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "waybank.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
