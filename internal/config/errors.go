package config

// ConfigurationError marks a configuration or rule source that cannot be
// used. Startup aborts on it; a reload keeps the previous state.
type ConfigurationError struct {
	Source string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Source == "" {
		return e.Err.Error()
	}
	return e.Source + ": " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }
