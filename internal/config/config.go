package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr           string
		AllowedOrigins []string
	}
	Log struct {
		Level  string
		Format string
	}
	Database struct {
		Path string
	}
	Auth struct {
		JWTSecret       string
		TokenTTLMinutes int
		AdminSecret     string
		CookieName      string
		CookieSecure    bool
	}
	Storage struct {
		Bucket         string
		KeyPrefix      string
		Region         string
		Endpoint       string
		PresignMinutes int
	}
	AWS struct {
		Profile string
	}
	Cart struct {
		Backend       string
		RedisAddr     string
		RedisTTLHours int
	}
	Payments struct {
		PendingTTLMinutes int
		Card              struct {
			BaseURL       string
			SecretKey     string
			WebhookSecret string
		}
		MobileMoney struct {
			BaseURL        string
			ConsumerKey    string
			ConsumerSecret string
			ShortCode      string
			Passkey        string
			CallbackURL    string
		}
		Crypto struct {
			RPCURL          string
			MerchantAddress string
			CentsPerEther   int64
			Confirmations   uint64
		}
	}
	Escrow struct {
		ReleaseAfterHours int
		Schedule          string
	}
	Ledger struct {
		Backend         string
		RPCURL          string
		ContractHash    string
		SignerAddress   string
		EscrowAddress   string
		MaxConcurrent   int
		MonitorSchedule string
	}
	Chat struct {
		TokenTTLMinutes int
		Secret          string
	}
	RateLimit struct {
		AuthRPS   float64
		AuthBurst int
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	// existing environment variables win over .env entries
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("AGRI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// comma separated lists arrive as a single element from the environment
	cfg.Server.AllowedOrigins = splitList(cfg.Server.AllowedOrigins)

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("server.allowedorigins", []string{"http://localhost:3000"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("database.path", "data/agrimarket.db")

	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.tokenttlminutes", 60*24)
	v.SetDefault("auth.adminsecret", "")
	v.SetDefault("auth.cookiename", "agri_session")
	v.SetDefault("auth.cookiesecure", false)

	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "agrimarket")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.presignminutes", 15)
	v.SetDefault("aws.profile", "")

	v.SetDefault("cart.backend", "sqlite")
	v.SetDefault("cart.redisaddr", "localhost:6379")
	v.SetDefault("cart.redisttlhours", 24*7)

	v.SetDefault("payments.pendingttlminutes", 30)
	v.SetDefault("payments.card.baseurl", "")
	v.SetDefault("payments.card.secretkey", "")
	v.SetDefault("payments.card.webhooksecret", "")
	v.SetDefault("payments.mobilemoney.baseurl", "")
	v.SetDefault("payments.mobilemoney.consumerkey", "")
	v.SetDefault("payments.mobilemoney.consumersecret", "")
	v.SetDefault("payments.mobilemoney.shortcode", "")
	v.SetDefault("payments.mobilemoney.passkey", "")
	v.SetDefault("payments.mobilemoney.callbackurl", "")
	v.SetDefault("payments.crypto.rpcurl", "")
	v.SetDefault("payments.crypto.merchantaddress", "")
	v.SetDefault("payments.crypto.centsperether", 300000)
	v.SetDefault("payments.crypto.confirmations", 3)

	v.SetDefault("escrow.releaseafterhours", 72)
	v.SetDefault("escrow.schedule", "@every 10m")

	v.SetDefault("ledger.backend", "memory")
	v.SetDefault("ledger.rpcurl", "")
	v.SetDefault("ledger.contracthash", "")
	v.SetDefault("ledger.signeraddress", "")
	v.SetDefault("ledger.escrowaddress", "")
	v.SetDefault("ledger.maxconcurrent", 2)
	v.SetDefault("ledger.monitorschedule", "@every 15m")

	v.SetDefault("chat.tokenttlminutes", 60)
	v.SetDefault("chat.secret", "")

	v.SetDefault("ratelimit.authrps", 1.0)
	v.SetDefault("ratelimit.authburst", 5)
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwtsecret is required"))
	}
	if c.Auth.TokenTTLMinutes <= 0 {
		errs = append(errs, errors.New("auth.tokenttlminutes must be positive"))
	}
	switch c.Cart.Backend {
	case "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown cart backend %q", c.Cart.Backend))
	}
	switch c.Ledger.Backend {
	case "memory", "off":
	case "neo":
		if c.Ledger.RPCURL == "" || c.Ledger.ContractHash == "" || c.Ledger.SignerAddress == "" {
			errs = append(errs, errors.New("ledger neo backend needs rpcurl, contracthash and signeraddress"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend))
	}
	return errors.Join(errs...)
}

// ChatSecret falls back to the JWT secret when no dedicated chat secret is set.
func (c Config) ChatSecret() string {
	if c.Chat.Secret != "" {
		return c.Chat.Secret
	}
	return c.Auth.JWTSecret
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
