package buildCFG

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/config"
	"github.com/wb-go/wbf/dbpg"

	"bdcreg/internal/mailer"
	"bdcreg/internal/mpesa"
)

type ServerConfig struct {
	Port string
}

type RabbitConfig struct {
	Url      string
	Exchange string
	Queue    string
}

func BuildServerConfig(cfg *config.Config, log *zerolog.Logger) ServerConfig {
	port := cfg.GetString("server.port")
	if port == "" {
		port = "8080"
		log.Warn().Msg("server.port not set, defaulting to 8080")
	}
	return ServerConfig{Port: port}
}

func BuildDBConfig(cfg *config.Config, log *zerolog.Logger) (string, []string, *dbpg.Options, error) {
	host := cfg.GetString("database.host")
	port := cfg.GetString("database.port")
	user := cfg.GetString("database.user")
	password := envOr("DB_PASSWORD", cfg.GetString("database.password"))
	name := cfg.GetString("database.name")
	sslMode := cfg.GetString("database.sslmode")

	if host == "" || user == "" || name == "" {
		return "", nil, nil, fmt.Errorf("database config incomplete: host, user and name are required")
	}
	if sslMode == "" {
		sslMode = "disable"
	}

	masterDSN := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, name, sslMode)

	opts := &dbpg.Options{
		MaxOpenConns:    cfg.GetInt("database.max_open_conns"),
		MaxIdleConns:    cfg.GetInt("database.max_idle_conns"),
		ConnMaxLifetime: time.Duration(cfg.GetInt("database.conn_max_lifetime_sec")) * time.Second,
	}

	log.Info().Msgf("DB config built for %s:%s/%s", host, port, name)
	return masterDSN, nil, opts, nil
}

func BuildRabbitConfig(cfg *config.Config, log *zerolog.Logger) (RabbitConfig, error) {
	rc := RabbitConfig{
		Url:      envOr("RABBITMQ_URL", cfg.GetString("rabbitmq.url")),
		Exchange: cfg.GetString("rabbitmq.exchange"),
		Queue:    cfg.GetString("rabbitmq.queue"),
	}
	if rc.Url == "" {
		return rc, fmt.Errorf("rabbitmq.url is required")
	}
	if rc.Exchange == "" {
		rc.Exchange = "tickets"
	}
	if rc.Queue == "" {
		rc.Queue = "ticket_emails"
	}
	log.Info().Msgf("RabbitMQ config built (exchange=%s, queue=%s)", rc.Exchange, rc.Queue)
	return rc, nil
}

// BuildMpesaConfig reads gateway credentials, preferring environment
// variables so secrets stay out of config.yaml.
func BuildMpesaConfig(cfg *config.Config, log *zerolog.Logger) mpesa.Config {
	mc := mpesa.Config{
		ConsumerKey:    envOr("MPESA_CONSUMER_KEY", cfg.GetString("mpesa.consumer_key")),
		ConsumerSecret: envOr("MPESA_CONSUMER_SECRET", cfg.GetString("mpesa.consumer_secret")),
		Shortcode:      envOr("MPESA_SHORTCODE", cfg.GetString("mpesa.shortcode")),
		Passkey:        envOr("MPESA_PASSKEY", cfg.GetString("mpesa.passkey")),
		PartyB:         cfg.GetString("mpesa.party_b"),
		CallbackURL:    envOr("MPESA_CALLBACK_URL", cfg.GetString("mpesa.callback_url")),
		BaseURL:        cfg.GetString("mpesa.base_url"),
	}
	if timeoutSec := cfg.GetInt("mpesa.timeout_sec"); timeoutSec > 0 {
		mc.Timeout = time.Duration(timeoutSec) * time.Second
	}
	if mc.ConsumerKey == "" || mc.ConsumerSecret == "" {
		log.Warn().Msg("M-Pesa credentials not configured, payment initiation will be rejected")
	}
	return mc
}

func BuildSMTPConfig(cfg *config.Config, log *zerolog.Logger) mailer.Config {
	sc := mailer.Config{
		Host:     cfg.GetString("smtp.host"),
		Port:     cfg.GetString("smtp.port"),
		From:     cfg.GetString("smtp.from"),
		Password: envOr("SMTP_PASSWORD", cfg.GetString("smtp.password")),
	}
	if sc.Port == "" {
		sc.Port = "587"
	}
	if sc.Host == "" {
		log.Warn().Msg("SMTP not configured, ticket emails will be skipped")
	}
	return sc
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
