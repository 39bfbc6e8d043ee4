package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/oauth2"

	"github.com/gosuda/haggle/internal/client/channel"
	"github.com/gosuda/haggle/internal/client/rest"
	"github.com/gosuda/haggle/internal/config"
	"github.com/gosuda/haggle/internal/negotiation"
	"github.com/gosuda/haggle/internal/tui"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	var (
		productID string
		price     float64
		title     string
		logOutput string
	)

	flagSet := pflag.NewFlagSet("haggle", pflag.ContinueOnError)
	flagSet.StringVar(&productID, "product", "", "product id to negotiate on (required)")
	flagSet.Float64Var(&price, "price", 0, "list price of the product (required)")
	flagSet.StringVar(&title, "title", "", "product name shown in the header")
	flagSet.StringVar(&cfg.APIURL, "api", cfg.APIURL, "REST base URL")
	flagSet.StringVar(&cfg.WSURL, "ws", cfg.WSURL, "negotiation WebSocket URL")
	flagSet.StringVar(&cfg.Token, "token", cfg.Token, "bearer token (default HAGGLE_TOKEN)")
	flagSet.StringVar(&logOutput, "log-output", "", "write JSON log records to this file")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if productID == "" {
		return errors.New("--product is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if title == "" {
		title = "Product " + productID
	}

	closeLog, err := setupLogging(logOutput)
	if err != nil {
		return err
	}
	defer closeLog()

	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	initiator := rest.New(cfg.APIURL, tokens, rest.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}))
	dialer := &channel.Dialer{URL: cfg.WSURL, ReconnectInterval: cfg.ReconnectInterval}

	orch := negotiation.New(initiator, negotiation.DialerFunc(func(ctx context.Context, token string) (negotiation.Channel, error) {
		ch, dialErr := dialer.Open(ctx, token)
		if dialErr != nil {
			return nil, dialErr
		}
		return ch, nil
	}), tokens, "")
	defer func() {
		if closeErr := orch.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("close negotiation")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	openCtx, openCancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	err = orch.OpenFor(openCtx, productID, price)
	openCancel()
	if err != nil {
		return err
	}

	model := tui.New(ctx, orch, title)
	_, err = tea.NewProgram(model).Run()
	return err
}

// setupLogging sends logs to a file, or discards them, so they never draw
// over the terminal UI.
func setupLogging(path string) (func(), error) {
	level, err := zerolog.ParseLevel(os.Getenv("HAGGLE_LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if path == "" {
		log.Logger = zerolog.New(io.Discard)
		return func() {}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log output: %w", err)
	}
	log.Logger = zerolog.New(f).With().Timestamp().Logger()
	return func() { _ = f.Close() }, nil
}
