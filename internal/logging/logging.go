// Package logging builds the zap logger every component receives at construction
// time, following the teacher's zap.NewProductionConfig() pattern. There are no
// package-level loggers: each component gets a Named() sub-logger injected by the
// caller that wires the orchestrator together (cmd/orchestrator/main.go).
package logging

import (
	"github.com/kvknd/substrated/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build constructs a *zap.Logger from OrchestratorConfig's logging settings.
func Build(cfg config.LoggingConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.OutputPaths = cfg.OutputPaths
	zapCfg.ErrorOutputPaths = cfg.ErrorOutputPaths
	zapCfg.Encoding = cfg.Encoding

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, err
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
