package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	imagesemantics "github.com/menta2k/image-semantics"
	"github.com/menta2k/image-semantics/internal/config"
	"github.com/menta2k/image-semantics/internal/logger"
	"github.com/menta2k/image-semantics/internal/metrics"
)

const (
	metaConfig = "config"
	metaLogger = "logger"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "semtag",
		Usage:   "Region tags, captions and generation prompts for images",
		Version: imagesemantics.GetVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to YAML config file",
				Value:   config.GetConfigPath(),
				EnvVars: []string{"SEMTAG_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "Logging environment (local, dev, prod)",
			},
		},
		Before: setup,
		After:  syncLogger,
		Commands: []*cli.Command{
			extractCommand(),
			vocabCommand(),
			serveCommand(),
		},
	}
}

// setup loads the configuration and builds the logger. A missing config
// file is only an error when --config was given explicitly.
func setup(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		if c.IsSet("config") || !errors.Is(err, os.ErrNotExist) {
			return err
		}
		cfg = config.Default()
	}

	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("env") {
		cfg.Logging.Env = c.String("env")
	}

	l, err := logger.NewLogger(cfg.Logging.Env, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	metrics.Register()

	if c.App.Metadata == nil {
		c.App.Metadata = map[string]any{}
	}
	c.App.Metadata[metaConfig] = cfg
	c.App.Metadata[metaLogger] = l
	return nil
}

func syncLogger(c *cli.Context) error {
	if l, ok := c.App.Metadata[metaLogger].(*zap.Logger); ok {
		_ = l.Sync()
	}
	return nil
}

func configFrom(c *cli.Context) *config.Config {
	if cfg, ok := c.App.Metadata[metaConfig].(*config.Config); ok {
		return cfg
	}
	return config.Default()
}

func loggerFrom(c *cli.Context) *zap.Logger {
	if l, ok := c.App.Metadata[metaLogger].(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}
