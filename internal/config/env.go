package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every overlay variable, e.g. GAMENIGHT_TELEGRAM_TOKEN.
const EnvPrefix = "GAMENIGHT"

// envOverlay lists the settings that may come from the environment instead of
// the file. Secrets belong here so the config file can be committed.
type envOverlay struct {
	TelegramToken string  `envconfig:"TELEGRAM_TOKEN"`
	OwnerUserIDs  []int64 `envconfig:"OWNER_USER_IDS"`
	LogLevel      string  `envconfig:"LOG_LEVEL"`
	StorageDriver string  `envconfig:"STORAGE_DRIVER"`
	StoragePath   string  `envconfig:"STORAGE_PATH"`
	StorageDSN    string  `envconfig:"STORAGE_DSN"`
	OpsAddr       string  `envconfig:"OPS_ADDR"`
	OpsToken      string  `envconfig:"OPS_TOKEN"`
}

// ApplyEnv overwrites cfg fields whose GAMENIGHT_* variable is set.
func ApplyEnv(cfg *Config) error {
	var env envOverlay
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("env overlay: %w", err)
	}
	setString(&cfg.Telegram.Token, env.TelegramToken)
	if len(env.OwnerUserIDs) > 0 {
		cfg.Telegram.OwnerUserIDs = env.OwnerUserIDs
	}
	setString(&cfg.Logging.Level, env.LogLevel)
	setString(&cfg.Storage.Driver, env.StorageDriver)
	setString(&cfg.Storage.Path, env.StoragePath)
	setString(&cfg.Storage.DSN, env.StorageDSN)
	if env.OpsAddr != "" {
		cfg.Ops.Addr = env.OpsAddr
		cfg.Ops.Enabled = true
	}
	setString(&cfg.Ops.Token, env.OpsToken)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
