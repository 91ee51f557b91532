package whatsapp

import (
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogAdapter routes whatsmeow's internal logs into slog. Protocol chatter
// is dropped unless debug is set; warnings and errors always pass.
type slogAdapter struct {
	logger *slog.Logger
	debug  bool
}

func newWALogger(logger *slog.Logger, module string, debug bool) waLog.Logger {
	return &slogAdapter{logger: logger.With("module", module), debug: debug}
}

func (a *slogAdapter) Warnf(msg string, args ...any) {
	a.logger.Warn(fmt.Sprintf(msg, args...))
}

func (a *slogAdapter) Errorf(msg string, args ...any) {
	a.logger.Error(fmt.Sprintf(msg, args...))
}

func (a *slogAdapter) Infof(msg string, args ...any) {
	if a.debug {
		a.logger.Info(fmt.Sprintf(msg, args...))
	}
}

func (a *slogAdapter) Debugf(msg string, args ...any) {
	if a.debug {
		a.logger.Debug(fmt.Sprintf(msg, args...))
	}
}

func (a *slogAdapter) Sub(module string) waLog.Logger {
	return &slogAdapter{logger: a.logger.With("sub", module), debug: a.debug}
}
