package controlplane

import "github.com/sirupsen/logrus"

// leveledLogger adapts a *logrus.Logger to retryablehttp.LeveledLogger so
// retry/backoff messages flow through the broker's normal log sink instead
// of the standard library logger retryablehttp defaults to.
type leveledLogger struct {
	log *logrus.Logger
}

func newLeveledLogger(log *logrus.Logger) *leveledLogger {
	if log == nil {
		log = logrus.New()
	}
	return &leveledLogger{log: log}
}

func (l *leveledLogger) fields(keysAndValues []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		f[key] = keysAndValues[i+1]
	}
	return f
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(l.fields(keysAndValues)).Error(msg)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(l.fields(keysAndValues)).Info(msg)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(l.fields(keysAndValues)).Debug(msg)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(l.fields(keysAndValues)).Warn(msg)
}
