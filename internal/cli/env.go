package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/linkgate/linkgate/internal/config"
	"github.com/linkgate/linkgate/internal/errors"
	"github.com/linkgate/linkgate/internal/logging"
	"github.com/linkgate/linkgate/internal/store"
)

// loadConfig reads the config file named by --config after loading .env.
// When allowMissing is set, a missing file yields the built-in defaults.
func loadConfig(allowMissing bool) (*config.Loader, *config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, nil, err
	}

	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loader.Load()
	var notFound *errors.ErrConfigNotFound
	if stderrors.As(err, &notFound) && allowMissing {
		cfg, err = config.Parse(nil)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if globalFlags.DBPath != "" {
		cfg.Storage.Driver = "sqlite"
		cfg.Storage.Path = globalFlags.DBPath
	}
	return loader, cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	s, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Driver, err)
	}
	return s, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	level := logging.ParseLevel(cfg.Server.LogLevel)
	if globalFlags.Verbose {
		level = logging.LevelDebug
	}
	return logging.NewLogger(logging.WithLevel(level), logging.WithOutput(os.Stderr))
}
