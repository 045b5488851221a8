package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/oauth2"
	"golang.org/x/term"

	"github.com/zulandar/supportline/internal/api"
	"github.com/zulandar/supportline/internal/config"
	"github.com/zulandar/supportline/internal/hub"
)

const defaultConfigPath = "supportline.yaml"

// loadConfig reads the config file. A missing file at the default path
// falls back to built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("load config: %w", err)
}

// newLogger builds a zap logger writing to stderr at the configured level.
func newLogger(lc config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// tokenSource resolves the bearer token from config, then the environment,
// then an interactive prompt when stdin is a terminal.
func tokenSource(auth config.AuthConfig, in io.Reader, prompt io.Writer) (oauth2.TokenSource, error) {
	tok := auth.ResolveToken()
	if tok == "" {
		f, ok := in.(*os.File)
		if !ok || !term.IsTerminal(int(f.Fd())) {
			return nil, fmt.Errorf("no token: set auth.token or $%s", auth.TokenEnv)
		}
		fmt.Fprint(prompt, "Access token: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return nil, fmt.Errorf("read token: %w", err)
		}
		tok = strings.TrimSpace(string(b))
		if tok == "" {
			return nil, fmt.Errorf("no token entered")
		}
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok, TokenType: "Bearer"}), nil
}

func newAPIClient(cfg *config.Config, tokens oauth2.TokenSource, logger *zap.Logger) (*api.Client, error) {
	return api.NewClient(api.ClientOpts{
		BaseURL:  cfg.API.BaseURL,
		Tokens:   tokens,
		PageSize: cfg.API.PageSize,
		Timeout:  cfg.API.Timeout(),
		Logger:   logger.Named("api"),
	})
}

func newHubDialer(cfg *config.Config, logger *zap.Logger) (*hub.WSDialer, error) {
	return hub.NewWSDialer(hub.WSDialerOpts{
		URL:          cfg.Hub.URL,
		WriteTimeout: cfg.Hub.WriteTimeout(),
		ReadIdle:     cfg.Hub.ReadIdle(),
		Logger:       logger.Named("hub"),
	})
}
