package driver

import (
	"github.com/kgofron/ADTimePix3/internal/config"
	"github.com/kgofron/ADTimePix3/pkg/errors"
	"github.com/kgofron/ADTimePix3/pkg/utils"
)

// NewLogger builds the process logger from the logging section. Component
// overrides that fail to parse reject the whole config rather than being
// silently dropped.
func NewLogger(cfg config.LoggingConfig) (*utils.StructuredLogger, error) {
	level, err := utils.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid log level").
			WithComponent("driver").
			WithCause(err)
	}

	format, err := utils.ParseLogFormat(cfg.Format)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid log format").
			WithComponent("driver").
			WithCause(err)
	}

	loggerCfg := &utils.StructuredLoggerConfig{
		Level:        level,
		Format:       format,
		IncludeStack: cfg.IncludeStack,
	}

	if len(cfg.ComponentLevels) > 0 {
		loggerCfg.ComponentLevels = make(map[string]utils.LogLevel, len(cfg.ComponentLevels))
		for component, name := range cfg.ComponentLevels {
			componentLevel, err := utils.ParseLogLevel(name)
			if err != nil {
				return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid component log level").
					WithComponent("driver").
					WithDetail("log_component", component).
					WithCause(err)
			}
			loggerCfg.ComponentLevels[component] = componentLevel
		}
	}

	if cfg.File != "" {
		loggerCfg.Rotation = &utils.RotationConfig{
			Filename:   cfg.File,
			MaxSize:    int64(cfg.MaxSizeMB),
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
	}

	return utils.NewStructuredLogger(loggerCfg)
}
