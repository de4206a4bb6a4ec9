// Package handlers contains the HTTP handlers of the query engine API.
package handlers

// Logger defines logging interface.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// HealthChecker reports the last known database health.
type HealthChecker interface {
	Healthy() bool
}

// CacheHealth reports whether the result cache is configured.
type CacheHealth interface {
	Enabled() bool
}
