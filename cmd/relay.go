package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/vitals/internal/publish"
	"github.com/andresmejia3/vitals/internal/relay"
)

var (
	relayNATS    string
	relaySubject string
	relayAddr    string
	relayDebug   bool
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Forward published readings to browsers over websockets",
	Long: `Subscribes to the readings that 'vitals measure --nats' publishes and pushes each
one to every websocket client connected to /ws. /healthz reports the NATS link,
/metrics the message counters and /sessions/{id}/latest the last reading of a session.`,
	Annotations: map[string]string{skipDBAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if !cmd.Flags().Changed("nats") && Cfg.NATS.URL != "" {
			relayNATS = Cfg.NATS.URL
		}
		if !cmd.Flags().Changed("subject") && Cfg.NATS.Subject != "" {
			relaySubject = Cfg.NATS.Subject
		}
		return runRelay(cmd.Context())
	},
}

func init() {
	relayCmd.Flags().StringVar(&relayNATS, "nats", "nats://127.0.0.1:4222", "NATS server URL")
	relayCmd.Flags().StringVar(&relaySubject, "subject", "vitals.hr", "NATS subject to relay")
	relayCmd.Flags().StringVar(&relayAddr, "addr", ":8080", "HTTP listen address")
	relayCmd.Flags().BoolVar(&relayDebug, "debug", false, "Log every relayed reading")
	rootCmd.AddCommand(relayCmd)
}

func runRelay(ctx context.Context) error {
	level := slog.LevelInfo
	if relayDebug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	nc, err := publish.Connect(relayNATS, "vitals-relay")
	if err != nil {
		return fmt.Errorf("nats connect %s: %w", relayNATS, err)
	}
	defer nc.Drain()

	r := relay.New()
	r.Healthy = nc.IsConnected

	sub, err := nc.Subscribe(relaySubject, func(msg *nats.Msg) {
		r.Handle(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", relaySubject, err)
	}
	defer sub.Unsubscribe()

	server := &http.Server{
		Addr:              relayAddr,
		Handler:           r.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("relay running",
			"addr", relayAddr,
			"nats", relayNATS,
			"subject", relaySubject)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Hijacked websocket connections are not closed by Shutdown
	r.Hub.CloseAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("relay shutdown incomplete", "error", err)
	}
	slog.Info("relay stopped")
	return nil
}
