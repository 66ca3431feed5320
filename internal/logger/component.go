package logger

// ComponentConfig is the subset of the logging configuration the logger
// needs. It is an interface to avoid a dependency on the config package.
type ComponentConfig interface {
	GetComponentLevel(component string) string
	IsDevelopment() bool
}

// NewComponentLoggerFromConfig builds a logger for the given component using
// the per-component level from the configuration. A nil configuration yields
// an info-level production logger.
func NewComponentLoggerFromConfig(component string, cfg ComponentConfig) *Logger {
	level := "info"
	development := false

	if cfg != nil {
		if l := cfg.GetComponentLevel(component); l != "" {
			level = l
		}
		development = cfg.IsDevelopment()
	}

	l, err := NewLogger(level, development)
	if err != nil {
		// Fall back to the default logger rather than failing startup on a
		// bad level string; config validation reports it separately.
		return GetDefaultLogger().WithComponent(component)
	}

	return l.WithComponent(component)
}
