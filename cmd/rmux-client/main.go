// Package main provides the CLI entry point for the rmux tunnel
// client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sollardo/rmux/internal/config"
	"github.com/sollardo/rmux/internal/dial"
	"github.com/sollardo/rmux/internal/logging"
	"github.com/sollardo/rmux/internal/metrics"
	"github.com/sollardo/rmux/internal/muxcrypto"
	"github.com/sollardo/rmux/internal/session"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "rmux-client",
		Short:   "rmux - connection-multiplexing tunnel client",
		Version: Version,
	}

	rootCmd.AddCommand(connectCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connectCmd() *cobra.Command {
	var (
		configPath string
		askKey     bool
		logLevel   string
		logFormat  string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open one session against a peer and keep it alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			if askKey && cfg.Cipher.Key == "" {
				fmt.Fprint(os.Stderr, "pre-shared key: ")
				keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("reading key: %w", err)
				}
				cfg.Cipher.Key = string(keyBytes)
			}

			logger := logging.NewLogger(logLevel, logFormat)
			logger.Info("connecting", logging.KeyURL, cfg.String())

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			conn, err := dial.Dial(ctx, cfg)
			if err != nil {
				return fmt.Errorf("dial: %w", err)
			}

			sessCfg := session.Config{
				Method:          muxcrypto.Method(cfg.Cipher.Method),
				Key:             cfg.Cipher.Key,
				Name:            cfg.Name,
				MaxAliveMinutes: cfg.MaxAlive,
				RelayBufSize:    cfg.RelayBuf,
				Metrics:         metrics.Default(),
			}
			sess, err := session.NewClient(ctx, conn, sessCfg, logger)
			if err != nil {
				return fmt.Errorf("handshake: %w", err)
			}

			if verbose {
				logger.Info("stream window", "size", humanize.Bytes(uint64(cfg.RelayBuf)))
				go reportStatus(ctx, sess)
			}

			<-sess.Done()
			if err := sess.Err(); err != nil {
				return fmt.Errorf("session ended: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the channel config YAML file")
	cmd.Flags().BoolVar(&askKey, "ask-key", false, "prompt for the pre-shared key instead of reading it from config")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "log format: text, json")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log the relay buffer size and periodically print the stream count")
	cmd.MarkFlagRequired("config")

	return cmd
}

// reportStatus prints the session's stream count every 10 seconds
// while the session is alive. It does not report byte totals.
func reportStatus(ctx context.Context, sess *session.Session) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-ticker.C:
			fmt.Fprintf(os.Stderr, "streams=%d\n", sess.StreamCount())
		}
	}
}
