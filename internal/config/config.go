package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/fragotesac/frazkteco-devices/internal/capture"
)

// Terminal transports.
const (
	// TransportTCP talks the terminal's protocol directly over TCP.
	TransportTCP = "tcp"
	// TransportGateway reaches the terminal through a remote gateway over MQTT.
	TransportGateway = "gateway"
)

// Config lists the tunable parameters for the ZKControl server.
type Config struct {
	HTTPPort     int
	DatabasePath string
	LogLevel     string
	WebDir       string
	CORSOrigins  []string

	TerminalTransport      string
	TerminalHost           string
	TerminalPort           int
	TerminalConnectTimeout time.Duration
	TerminalRecvTimeout    time.Duration
	TerminalDeadline       time.Duration
	DeviceLabel            string

	SyncInterval     time.Duration
	SyncStartupDelay time.Duration

	CaptureSamples       int
	CapturePollInterval  time.Duration
	CaptureSampleTimeout time.Duration

	MQTTBindAddress string
	MQTTBrokerURL   string
	GatewayTopic    string

	TelegramBotToken string
	TelegramChatID   int64
}

const (
	defaultHTTPPort     = 3000
	defaultDatabasePath = "data/zkteco.db"
	defaultLogLevel     = "info"
	defaultWebDir       = "public"

	defaultTerminalTransport      = TransportTCP
	defaultTerminalHost           = "192.168.18.201"
	defaultTerminalPort           = 4370
	defaultTerminalConnectTimeout = 10 * time.Second
	defaultTerminalRecvTimeout    = 5 * time.Second
	defaultTerminalDeadline       = 20 * time.Second
	defaultDeviceLabel            = "MA300"

	defaultSyncInterval     = 5 * time.Minute
	defaultSyncStartupDelay = 2 * time.Second

	defaultCaptureSamples       = 3
	defaultCapturePollInterval  = 200 * time.Millisecond
	defaultCaptureSampleTimeout = 15 * time.Second

	defaultMQTTBindAddress = ":1883"
	defaultMQTTBrokerURL   = "tcp://127.0.0.1:1883"
	defaultGatewayTopic    = "zkcontrol/terminal"
)

var defaultCORSOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
	"http://[::1]:3000",
}

// Load derives configuration values from environment variables, falling back to defaults.
// A .env file in the working directory is read first; variables already set win over it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		HTTPPort:               defaultHTTPPort,
		DatabasePath:           defaultDatabasePath,
		LogLevel:               defaultLogLevel,
		WebDir:                 defaultWebDir,
		CORSOrigins:            defaultCORSOrigins,
		TerminalTransport:      defaultTerminalTransport,
		TerminalHost:           defaultTerminalHost,
		TerminalPort:           defaultTerminalPort,
		TerminalConnectTimeout: defaultTerminalConnectTimeout,
		TerminalRecvTimeout:    defaultTerminalRecvTimeout,
		TerminalDeadline:       defaultTerminalDeadline,
		DeviceLabel:            defaultDeviceLabel,
		SyncInterval:           defaultSyncInterval,
		SyncStartupDelay:       defaultSyncStartupDelay,
		CaptureSamples:         defaultCaptureSamples,
		CapturePollInterval:    defaultCapturePollInterval,
		CaptureSampleTimeout:   defaultCaptureSampleTimeout,
		MQTTBindAddress:        defaultMQTTBindAddress,
		MQTTBrokerURL:          defaultMQTTBrokerURL,
		GatewayTopic:           defaultGatewayTopic,
	}

	var err error

	if cfg.HTTPPort, err = envInt("ZKCONTROL_HTTP_PORT", cfg.HTTPPort); err != nil {
		return Config{}, err
	}
	if cfg.TerminalPort, err = envInt("ZKCONTROL_TERMINAL_PORT", cfg.TerminalPort); err != nil {
		return Config{}, err
	}
	if cfg.CaptureSamples, err = envInt("ZKCONTROL_CAPTURE_SAMPLES", cfg.CaptureSamples); err != nil {
		return Config{}, err
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ZKCONTROL_TERMINAL_CONNECT_TIMEOUT", &cfg.TerminalConnectTimeout},
		{"ZKCONTROL_TERMINAL_RECV_TIMEOUT", &cfg.TerminalRecvTimeout},
		{"ZKCONTROL_TERMINAL_DEADLINE", &cfg.TerminalDeadline},
		{"ZKCONTROL_SYNC_INTERVAL", &cfg.SyncInterval},
		{"ZKCONTROL_SYNC_STARTUP_DELAY", &cfg.SyncStartupDelay},
		{"ZKCONTROL_CAPTURE_POLL_INTERVAL", &cfg.CapturePollInterval},
		{"ZKCONTROL_CAPTURE_SAMPLE_TIMEOUT", &cfg.CaptureSampleTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = envDuration(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	if v := os.Getenv("ZKCONTROL_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("ZKCONTROL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("ZKCONTROL_WEB_DIR"); v != "" {
		cfg.WebDir = v
	}

	if v := os.Getenv("ZKCONTROL_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
		if len(cfg.CORSOrigins) == 0 {
			return Config{}, fmt.Errorf("invalid ZKCONTROL_CORS_ORIGINS: no origins listed")
		}
	}

	if v := os.Getenv("ZKCONTROL_TERMINAL_TRANSPORT"); v != "" {
		cfg.TerminalTransport = strings.ToLower(strings.TrimSpace(v))
	}

	if v := os.Getenv("ZKCONTROL_TERMINAL_HOST"); v != "" {
		cfg.TerminalHost = v
	}

	if v := os.Getenv("ZKCONTROL_DEVICE_LABEL"); v != "" {
		cfg.DeviceLabel = v
	}

	// An explicitly empty bind disables the embedded broker.
	if v, ok := os.LookupEnv("ZKCONTROL_MQTT_BIND"); ok {
		cfg.MQTTBindAddress = v
	}

	if v := os.Getenv("ZKCONTROL_MQTT_BROKER_URL"); v != "" {
		cfg.MQTTBrokerURL = v
	}

	if v := os.Getenv("ZKCONTROL_GATEWAY_TOPIC"); v != "" {
		cfg.GatewayTopic = strings.TrimRight(v, "/")
	}

	cfg.TelegramBotToken = os.Getenv("ZKCONTROL_TELEGRAM_BOT_TOKEN")
	if v := os.Getenv("ZKCONTROL_TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid ZKCONTROL_TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.HTTPPort < 1 || cfg.HTTPPort > 65535 {
		return Config{}, fmt.Errorf("invalid ZKCONTROL_HTTP_PORT: %d out of range", cfg.HTTPPort)
	}
	if cfg.CaptureSamples < capture.MinSamples || cfg.CaptureSamples > capture.MaxSamples {
		return Config{}, fmt.Errorf("invalid ZKCONTROL_CAPTURE_SAMPLES: %d not in [%d, %d]",
			cfg.CaptureSamples, capture.MinSamples, capture.MaxSamples)
	}
	switch cfg.TerminalTransport {
	case TransportTCP, TransportGateway:
	default:
		return Config{}, fmt.Errorf("invalid ZKCONTROL_TERMINAL_TRANSPORT %q: want %s or %s",
			cfg.TerminalTransport, TransportTCP, TransportGateway)
	}

	return cfg, nil
}

// TerminalAddress is the host:port of the attendance terminal.
func (c Config) TerminalAddress() string {
	return fmt.Sprintf("%s:%d", c.TerminalHost, c.TerminalPort)
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
