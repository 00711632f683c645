package bootstrap

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"argus/config"
)

// InitLogger initializes the zap logger with colored console output. The
// level can be changed later through the returned AtomicLevel.
func InitLogger(level zapcore.Level) (*zap.Logger, zap.AtomicLevel) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	atom := zap.NewAtomicLevelAt(level)
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		atom,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, atom
}

// InitConfig loads the configuration and resolves secret references
func InitConfig(ctx context.Context, configFile string, sugar *zap.SugaredLogger) (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.LoadSecrets(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}

	sugar.Infow("Data paths configuration",
		"data_dir", cfg.DataPaths.DataDir,
		"sqlite_path", cfg.DataPaths.SQLitePath,
		"rules_path", cfg.Detect.RulesPath)

	sugar.Infow("Config loaded",
		"tools", len(cfg.Tools),
		"agents_enabled", cfg.Agents.Enabled,
		"enrichment_enabled", cfg.Enrichment.Enabled,
		"api_addr", cfg.API.Addr(),
		"secrets_provider", cfg.Secrets.Provider)

	return cfg, nil
}
