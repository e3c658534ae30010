// Command callsentry serves the Twilio voice webhook and media stream, transcribes
// calls and submits captured audio for deepfake detection.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/callsentry/pkg/callsentry"
	"github.com/harunnryd/callsentry/pkg/logging"
	"github.com/harunnryd/callsentry/pkg/transports/twilio"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	dialTo := flag.String("dial-to", "", "place a test call to this number once the server is up")
	dialFrom := flag.String("dial-from", "", "caller id for -dial-to (defaults to twilio.phone_number)")
	flag.Parse()

	if err := run(*configPath, *dialTo, *dialFrom); err != nil {
		fmt.Fprintln(os.Stderr, "callsentry:", err)
		os.Exit(1)
	}
}

func run(configPath, dialTo, dialFrom string) error {
	cfg, err := callsentry.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := logging.InitLogger(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	providers := callsentry.NewProviderRegistry()
	registerProviders(providers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := callsentry.NewEngine(ctx, callsentry.EngineOptions{
		Config:    cfg,
		Providers: providers,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}

	if dialTo != "" {
		dialer := twilio.NewDialer(twilio.Config{
			AccountSID:  cfg.Twilio.AccountSID,
			AuthToken:   cfg.Twilio.AuthToken,
			PhoneNumber: cfg.Twilio.PhoneNumber,
			PublicURL:   cfg.Server.PublicURL,
			VoicePath:   cfg.Server.VoicePath,
		})
		callSID, err := dialer.Dial(ctx, dialTo, dialFrom, "")
		if err != nil {
			logger.Error("outbound_dial_failed", slog.String("error", err.Error()))
		} else {
			logger.Info("outbound_dial_started", slog.String("call_sid", callSID))
		}
	}

	<-ctx.Done()
	logger.Info("shutdown_signal")
	err = app.Stop()
	<-app.Done()
	return err
}
