package datasource

import (
	"github.com/sirupsen/logrus"
)

// componentLogger scopes a logrus entry to one component of this package.
// A nil logger falls back to the logrus standard logger so callers that
// don't care about log routing can pass nothing.
func componentLogger(l *logrus.Logger, component string) *logrus.Entry {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return l.WithField("component", component)
}
