package config

import "time"

// ApplyDefaults fills in zero-valued fields with their production defaults,
// following the reference codebase's per-section applyXDefaults split.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
	applyCacheDefaults(&cfg.Cache)
}

func applyLoggingDefaults(l *LoggingConfig) {
	if l.Level == "" {
		l.Level = "INFO"
	}
	if l.Format == "" {
		l.Format = "text"
	}
	if l.Output == "" {
		l.Output = "stdout"
	}
}

func applyMetricsDefaults(m *MetricsConfig) {
	if m.Port == 0 {
		m.Port = 9090
	}
}

func applyCacheDefaults(c *CacheConfig) {
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	if !c.UseCacheDirectory && c.Directory == "" {
		c.UseCacheDirectory = true
	}
	if c.PersistBatchInterval == 0 {
		c.PersistBatchInterval = 5 * time.Second
	}
}
