package internal

import "time"

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config         *Config
	version        string
	updateThrottle time.Duration
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithVersion sets the build version reported by the health endpoint.
func WithVersion(v string) Option {
	return func(a *application) {
		a.version = v
	}
}

// WithUpdateThrottle bounds how often archive.updated events reach SSE
// clients.
func WithUpdateThrottle(d time.Duration) Option {
	return func(a *application) {
		a.updateThrottle = d
	}
}
