package backfill

import "go.uber.org/zap"

// ZapAdapter adapts *zap.Logger to the Temporal SDK's log.Logger interface,
// the same sugared-keyval bridge pkg/temporal's ZapAdapter uses.
type ZapAdapter struct{ *zap.SugaredLogger }

// NewZapAdapter wraps logger for the Temporal client's Logger option.
func NewZapAdapter(logger *zap.Logger) *ZapAdapter {
	return &ZapAdapter{logger.Sugar()}
}

func (z *ZapAdapter) Debug(msg string, keyvals ...interface{}) { z.Debugw(msg, keyvals...) }
func (z *ZapAdapter) Info(msg string, keyvals ...interface{})  { z.Infow(msg, keyvals...) }
func (z *ZapAdapter) Warn(msg string, keyvals ...interface{})  { z.Warnw(msg, keyvals...) }
func (z *ZapAdapter) Error(msg string, keyvals ...interface{}) { z.Errorw(msg, keyvals...) }
