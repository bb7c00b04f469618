package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	simplehttp "github.com/kkkk1539/Simple-Http"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configFile      string
	shutdownTimeout time.Duration

	flagCfg = simplehttp.DefaultConfig()
)

var RootCmd = &cobra.Command{
	Use:     "simplehttp [flags]",
	Version: version,
	Short:   "A minimal HTTP/1.0 server for static files and CGI programs.",
	Long: `Serve the files below a web root over HTTP/1.0.
Executable files, GET requests carrying a query string and all POST requests
are run as CGI programs: METHOD and QUERY_STRING or CONTENT_LENGTH are passed
in the environment, the request body on standard input, and the program's
standard output becomes the response body.
`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func SetFlags() {
	f := RootCmd.Flags()
	f.StringVarP(&configFile, "config", "c", "", "TOML config file. Flags given explicitly override its values.")
	f.StringVarP(&flagCfg.Addr, "addr", "a", flagCfg.Addr, "Address to listen on.")
	f.BoolVar(&flagCfg.ReusePort, "reuseport", false, "Listen with SO_REUSEPORT.")
	f.StringVarP(&flagCfg.Root, "root", "r", flagCfg.Root, "Web root directory.")
	f.StringVar(&flagCfg.IndexPage, "index", flagCfg.IndexPage, "Page served for directories and paths ending in '/'.")
	f.StringVar(&flagCfg.ErrorPage, "error-page", flagCfg.ErrorPage, "Error page below the web root.")
	f.BoolVar(&flagCfg.CollapseErrorPages, "collapse-error-pages", false,
		`Send the error page for every error status and leave the reason
text of 400 and 500 empty.`)
	f.IntVarP(&flagCfg.Workers, "workers", "w", flagCfg.Workers, "Number of workers.")
	f.IntVarP(&flagCfg.QueueSize, "queue", "q", flagCfg.QueueSize, "Capacity of the connection queue.")
	f.Int64Var(&flagCfg.MaxRequestBodySize, "max-body", simplehttp.DefaultMaxRequestBodySize, "Maximum request body size in bytes.")
	f.StringArrayVarP(&flagCfg.CGI.InheritEnv, "env-var", "e", nil, "Environment variable passed on to CGI programs.")
	f.StringVar(&flagCfg.CGI.Stderr, "cgi-stderr", "", "File CGI programs' standard error is appended to.")
	f.StringVar(&flagCfg.Log.Level, "log-level", flagCfg.Log.Level, "Log level (trace, debug, info, warn, error).")
	f.BoolVar(&flagCfg.Log.Console, "log-console", false, "Human readable log output.")
	f.BoolVar(&flagCfg.Log.AllErrors, "log-all-errors", false, "Also log errors caused by clients going away.")
	f.DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "Time allowed for busy connections on shutdown.")
}

// loadConfig reads the config file, if any, and applies explicitly set flags.
func loadConfig(cmd *cobra.Command) (simplehttp.Config, error) {
	if configFile == "" {
		return flagCfg, nil
	}
	cfg, err := simplehttp.LoadConfig(configFile)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("addr", func() { cfg.Addr = flagCfg.Addr })
	set("reuseport", func() { cfg.ReusePort = flagCfg.ReusePort })
	set("root", func() { cfg.Root = flagCfg.Root })
	set("index", func() { cfg.IndexPage = flagCfg.IndexPage })
	set("error-page", func() { cfg.ErrorPage = flagCfg.ErrorPage })
	set("collapse-error-pages", func() { cfg.CollapseErrorPages = flagCfg.CollapseErrorPages })
	set("workers", func() { cfg.Workers = flagCfg.Workers })
	set("queue", func() { cfg.QueueSize = flagCfg.QueueSize })
	set("max-body", func() { cfg.MaxRequestBodySize = flagCfg.MaxRequestBodySize })
	set("env-var", func() { cfg.CGI.InheritEnv = flagCfg.CGI.InheritEnv })
	set("cgi-stderr", func() { cfg.CGI.Stderr = flagCfg.CGI.Stderr })
	set("log-level", func() { cfg.Log.Level = flagCfg.Log.Level })
	set("log-console", func() { cfg.Log.Console = flagCfg.Log.Console })
	set("log-all-errors", func() { cfg.Log.AllErrors = flagCfg.Log.AllErrors })
	return cfg, nil
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	if st, err := os.Stat(cfg.Root); err != nil || !st.IsDir() {
		return errors.Errorf("web root %q is not a directory", cfg.Root)
	}

	server, closeServer, err := cfg.NewServer(&logger)
	if err != nil {
		return err
	}
	defer closeServer()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	shutdownDone := make(chan error, 1)
	go func() {
		sig := <-sigChan
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownDone <- server.ShutdownWithContext(ctx)
	}()

	if err = server.ListenAndServe(cfg.Addr); err != nil {
		return err
	}
	if err = <-shutdownDone; err != nil {
		logger.Warn().Err(err).Msg("shutdown incomplete")
	}
	return nil
}

func Execute() {
	SetFlags()
	if err := RootCmd.Execute(); err != nil {
		cfg := simplehttp.DefaultConfig()
		logger, _ := cfg.NewLogger()
		logger.Error().Err(err).Msg("simplehttp")
		os.Exit(1)
	}
}
