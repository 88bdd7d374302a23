package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/bisectbot/bisectbot/internal/logger"
	"github.com/bisectbot/bisectbot/internal/validator"
)

// TokenSeed grants a pre-shared bearer token its scopes at startup, so bots
// and workers can authenticate before any token has been minted over the API.
type TokenSeed struct {
	Token  string   `mapstructure:"token"  json:"token"  validate:"required"`
	Note   string   `mapstructure:"note"   json:"note"`
	Scopes []string `mapstructure:"scopes" json:"scopes" validate:"required,min=1,dive,oneof=control-tokens create-jobs update-jobs"`
}

type SlogConfig struct {
	Level int `mapstructure:"level"`
}

type LoggingConfig struct {
	App     SlogConfig `mapstructure:"app"`
	UseOTLP bool       `mapstructure:"use_otlp"`
}

type ReleasesConfig struct {
	FeedURL string `mapstructure:"feed_url" validate:"required,url"`
}

type BrokerConfig struct {
	Releases             *ReleasesConfig `mapstructure:"releases"               validate:"required"`
	ListenAddress        string          `mapstructure:"listen_address"         validate:"required"`
	Tokens               []TokenSeed     `mapstructure:"tokens"`
	GracefulShutdownSecs int64           `mapstructure:"graceful_shutdown_secs"`
}

type WorkerConfig struct {
	BrokerURL      string `mapstructure:"broker_url"       validate:"required,url"`
	AuthToken      string `mapstructure:"auth_token"       validate:"required"`
	RunnerID       string `mapstructure:"runner_id"        validate:"required"`
	Platform       string `mapstructure:"platform"         validate:"required,oneof=darwin linux win32"`
	ExecPath       string `mapstructure:"exec_path"        validate:"required"`
	PollIntervalMS int64  `mapstructure:"poll_interval_ms" validate:"required,min=100"`
	JobTimeoutSecs int64  `mapstructure:"job_timeout_secs" validate:"required,min=1"`
	LogFlushMS     int64  `mapstructure:"log_flush_ms"     validate:"required,min=100"`
}

// See bisectbot.yaml for an example config. Broker and Worker are each
// optional so one config file can serve either binary; the binaries check
// for their own section.
type Config struct {
	Logging *LoggingConfig `mapstructure:"logging"`
	Broker  *BrokerConfig  `mapstructure:"broker"`
	Worker  *WorkerConfig  `mapstructure:"worker"`
}

const (
	AppLogLevel          string = "logging.app.level"
	UseOTLP              string = "logging.use_otlp"
	EnvPrefix            string = "bisectbot"
	ListenAddress        string = "broker.listen_address"
	GracefulShutdownSecs string = "broker.graceful_shutdown_secs"
	ReleasesFeedURL      string = "broker.releases.feed_url"
	WorkerAuthToken      string = "worker.auth_token" // #nosec
	WorkerPollIntervalMS string = "worker.poll_interval_ms"
	WorkerJobTimeoutSecs string = "worker.job_timeout_secs"
	WorkerLogFlushMS     string = "worker.log_flush_ms"
)

var configReady = false
var config Config

func GetConfig() (*Config, error) {
	if configReady {
		logger.Logger.Debug("returning already-loaded config")
		return &config, nil
	}
	logger.Logger.Info("loading config")

	v := viper.New()

	v.SetConfigName("bisectbot")

	v.AddConfigPath("/etc/bisectbot/")
	v.AddConfigPath(".")

	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.AutomaticEnv()

	// workaround for https://github.com/spf13/viper/issues/761
	// bind env vars explicitly so they unmarshal into the nested struct
	err := v.BindEnv(WorkerAuthToken)
	if err != nil {
		return nil, err
	}
	err = v.BindEnv(ReleasesFeedURL)
	if err != nil {
		return nil, err
	}

	v.SetDefault(AppLogLevel, int(slog.LevelDebug))
	v.SetDefault(UseOTLP, false)

	v.SetDefault(ListenAddress, "[::]:1323")
	v.SetDefault(GracefulShutdownSecs, 30)
	v.SetDefault(ReleasesFeedURL, "https://releases.electronjs.org/releases.json")

	v.SetDefault(WorkerPollIntervalMS, 15_000)
	v.SetDefault(WorkerJobTimeoutSecs, 1800)
	v.SetDefault(WorkerLogFlushMS, 2_000)

	err = v.ReadInConfig()
	if err != nil {
		// ignore config file not found to allow pure env config
		if _, ok := err.(*viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	err = v.Unmarshal(&config)
	if err != nil {
		configReady = false
		return nil, err
	}

	valid := validator.Create()
	err = valid.Validate(&config)
	if err != nil {
		configReady = false
		return nil, err
	}

	configReady = true
	return &config, nil
}
