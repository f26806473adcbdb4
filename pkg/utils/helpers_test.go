package utils

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	timeoutShort = time.Second
	tick         = 10 * time.Millisecond
)

func zapLogger(core zapcore.Core) *zap.Logger {
	return zap.New(core)
}
