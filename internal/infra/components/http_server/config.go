package http_server

import "time"

type HTTPServerConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Address         string        `yaml:"address" json:"address"` // e.g. ":8080"
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout" json:"graceful_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout" json:"request_timeout"`

	EnableHealth bool        `yaml:"enable_health" json:"enable_health"`
	CORS         *CORSConfig `yaml:"cors" json:"cors"`

	// ServiceName is injected from APPInfo.APPName.
	ServiceName string `yaml:"-" json:"-"`
}

type CORSConfig struct {
	Enabled          bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers" json:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials" json:"allow_credentials"`
	MaxAge           int      `yaml:"max_age" json:"max_age"`
}

func (c *HTTPServerConfig) applyDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.GracefulTimeout == 0 {
		c.GracefulTimeout = 10 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.CORS != nil && c.CORS.Enabled {
		if len(c.CORS.AllowedOrigins) == 0 {
			c.CORS.AllowedOrigins = []string{"*"}
		}
		if len(c.CORS.AllowedMethods) == 0 {
			c.CORS.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
		}
		if len(c.CORS.AllowedHeaders) == 0 {
			c.CORS.AllowedHeaders = []string{"Accept", "Authorization", "Content-Type", "X-User-Id", "X-User-Role"}
		}
		if c.CORS.MaxAge == 0 {
			c.CORS.MaxAge = 300
		}
	}
}
