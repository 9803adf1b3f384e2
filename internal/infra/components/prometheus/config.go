package prometheus

// Config for the Prometheus registry. An empty Address skips the dedicated
// listener; the handler is then mounted on http_server.
type Config struct {
	Enabled          bool   `yaml:"enabled" json:"enabled"`
	Address          string `yaml:"address" json:"address"`
	Path             string `yaml:"path" json:"path"`
	Namespace        string `yaml:"namespace" json:"namespace"`
	Subsystem        string `yaml:"subsystem" json:"subsystem"`
	CollectGoMetrics *bool  `yaml:"collect_go_metrics" json:"collect_go_metrics"`
	CollectProcess   *bool  `yaml:"collect_process" json:"collect_process"`
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = "/metrics"
	}
	t := true
	if c.CollectGoMetrics == nil {
		c.CollectGoMetrics = &t
	}
	if c.CollectProcess == nil {
		c.CollectProcess = &t
	}
}
