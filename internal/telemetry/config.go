package telemetry

import "codeberg.org/mutker/hostmon/internal/errors"

const defaultNamespace = "hostmon"

type Config struct {
	Enabled   bool
	Namespace string
}

func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Namespace: defaultNamespace,
	}
}

// Validate rejects an enabled exporter without a namespace.
func (c Config) Validate() error {
	errFactory := errors.New()
	if c.Enabled && c.Namespace == "" {
		return errFactory.New(ErrInvalidConfig)
	}
	return nil
}
