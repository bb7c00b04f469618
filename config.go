package simplehttp

import (
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Duration is a time.Duration written as a Go duration string ("5s") in
// config files.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", b)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the file form of the Server settings. Zero values select the
// Server defaults.
type Config struct {
	Addr      string `toml:"addr"`
	ReusePort bool   `toml:"reuse_port"`

	Root               string `toml:"root"`
	IndexPage          string `toml:"index_page"`
	ErrorPage          string `toml:"error_page"`
	CollapseErrorPages bool   `toml:"collapse_error_pages"`

	Workers   int `toml:"workers"`
	QueueSize int `toml:"queue_size"`

	ReadBufferSize     int      `toml:"read_buffer_size"`
	WriteBufferSize    int      `toml:"write_buffer_size"`
	MaxRequestBodySize int64    `toml:"max_request_body_size"`
	ReadTimeout        Duration `toml:"read_timeout"`
	WriteTimeout       Duration `toml:"write_timeout"`

	CGI CGIConfig `toml:"cgi"`
	Log LogConfig `toml:"log"`
}

// CGIConfig holds the [cgi] table.
type CGIConfig struct {
	Timeout    Duration `toml:"timeout"`
	InheritEnv []string `toml:"inherit_env"`
	// Stderr is a file CGI programs' standard error is appended to.
	Stderr string `toml:"stderr"`
}

// LogConfig holds the [log] table.
type LogConfig struct {
	Level     string `toml:"level"`
	Console   bool   `toml:"console"`
	AllErrors bool   `toml:"all_errors"`
}

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8081"

// DefaultConfig returns the configuration used without a config file.
func DefaultConfig() Config {
	return Config{
		Addr:      DefaultAddr,
		Root:      DefaultRoot,
		IndexPage: DefaultIndexPage,
		ErrorPage: DefaultErrorPage,
		Workers:   DefaultWorkers,
		QueueSize: DefaultQueueSize,
		Log:       LogConfig{Level: "info"},
	}
}

// LoadConfig reads a TOML config file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err = toml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// NewLogger builds the logger described by the [log] table.
func (c *Config) NewLogger() (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if c.Log.Level != "" {
		var err error
		if level, err = zerolog.ParseLevel(c.Log.Level); err != nil {
			return zerolog.Nop(), errors.Wrapf(err, "log level %q", c.Log.Level)
		}
	}
	var l zerolog.Logger
	if c.Log.Console {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		l = zerolog.New(os.Stderr)
	}
	return l.Level(level).With().Timestamp().Logger(), nil
}

// NewServer builds a Server and its worker pool from the configuration. The
// returned closer releases files opened for the server and must be called
// after the server stopped.
func (c *Config) NewServer(logger *zerolog.Logger) (*Server, func() error, error) {
	s := &Server{
		Root:               c.Root,
		IndexPage:          c.IndexPage,
		ErrorPage:          c.ErrorPage,
		CollapseErrorPages: c.CollapseErrorPages,
		Workers:            c.Workers,
		QueueSize:          c.QueueSize,
		ReadBufferSize:     c.ReadBufferSize,
		WriteBufferSize:    c.WriteBufferSize,
		MaxRequestBodySize: c.MaxRequestBodySize,
		ReadTimeout:        time.Duration(c.ReadTimeout),
		WriteTimeout:       time.Duration(c.WriteTimeout),
		CGITimeout:         time.Duration(c.CGI.Timeout),
		CGIInheritEnv:      c.CGI.InheritEnv,
		ReusePort:          c.ReusePort,
		LogAllErrors:       c.Log.AllErrors,
		Logger:             logger,
	}
	s.Pool = NewWorkerPool(c.Workers, c.QueueSize, logger)
	s.Pool.LogAllErrors = c.Log.AllErrors

	closer := func() error { return nil }
	if c.CGI.Stderr != "" {
		f, err := os.OpenFile(c.CGI.Stderr, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open cgi stderr")
		}
		s.CGIStderr = f
		closer = f.Close
	}
	return s, closer, nil
}
