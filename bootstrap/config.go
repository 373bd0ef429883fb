package bootstrap

import (
	"fmt"
	"os"

	"github.com/nutthakorn7/zcrai-sub000/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger initializes the zap logger with colored console output.
func InitLogger(level zapcore.Level) (*zap.Logger, *zap.SugaredLogger, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the configuration from path, or from the default locations when path is empty.
func InitConfig(path string, sugar *zap.SugaredLogger) (*config.Config, error) {
	cfg, err := config.LoadConfigFrom(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	sugar.Infow("Data paths configuration",
		"data_dir", cfg.DataPaths.DataDir,
		"sqlite_path", cfg.DataPaths.SQLitePath)

	sugar.Infow("Config loaded",
		"clickhouse_enabled", cfg.ClickHouse.Enabled,
		"clickhouse_addr", cfg.ClickHouse.Addr,
		"pipeline_backend", cfg.Pipeline.Backend,
		"detection_enabled", cfg.Detection.Enabled,
		"triage_enabled", cfg.Triage.Enabled,
		"destructive_actions", cfg.SOAR.DestructiveActionsEnabled)

	return cfg, nil
}
