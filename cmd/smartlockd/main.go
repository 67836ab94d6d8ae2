package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/ebarer/SmartLock/internal/activity"
	"github.com/ebarer/SmartLock/internal/app"
	"github.com/ebarer/SmartLock/internal/ble"
	"github.com/ebarer/SmartLock/internal/bridge"
	"github.com/ebarer/SmartLock/internal/config"
	"github.com/ebarer/SmartLock/internal/runloop"
	"github.com/ebarer/SmartLock/internal/server"
)

func main() {
	configPath := flag.StringP("config", "c", "config/smartlockd.yml", "configuration file")
	logLevel := flag.String("log-level", "", "override log.level")
	validateOnly := flag.Bool("validate", false, "validate the configuration and exit")
	issueToken := flag.String("issue-token", "", "print a bearer token for this subject and exit")
	tokenTTL := flag.Duration("token-ttl", 0, "lifetime of an issued token (0 never expires)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("Failed to load config")
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	setupLogging(cfg.Log)

	if *validateOnly {
		printSummary(cfg)
		fmt.Println("Configuration OK")
		return
	}

	if *issueToken != "" {
		if cfg.HTTP.JWTSecret == "" {
			log.Fatal().Msg("http.jwt_secret is not set")
		}
		token, err := server.NewJWTManager(cfg.HTTP.JWTSecret).IssueToken(*issueToken, *tokenTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to issue token")
		}
		fmt.Println(token)
		return
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("smartlockd failed")
	}
}

func run(cfg *config.Config) error {
	log.Info().Str("adapter", cfg.BLE.Adapter).Msg("smartlockd starting")

	tr, err := ble.New(ble.Options{Adapter: cfg.BLE.Adapter})
	if err != nil {
		return err
	}
	defer tr.Close()

	loop := runloop.New()
	events := activity.NewLog(cfg.Activity.History, nil)
	ctrl := app.New(loop, tr, events, cfg.AppConfig())

	srv := server.New(ctrl, server.Options{
		Addr:      cfg.HTTP.Addr,
		StaticDir: cfg.HTTP.StaticDir,
		JWTSecret: cfg.HTTP.JWTSecret,
	})
	sinks := []bridge.Sink{srv}

	disp := bridge.NewDispatcher(ctrl, 5*time.Second)
	if cfg.NATS.URL != "" {
		nb, err := bridge.ConnectNATS(bridge.NATSOptions{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
		}, disp)
		if err != nil {
			return err
		}
		defer nb.Close()
		if err := nb.Start(); err != nil {
			return err
		}
		sinks = append(sinks, nb)
	}
	if cfg.MQTT.Broker != "" {
		mb, err := bridge.ConnectMQTT(bridge.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, disp)
		if err != nil {
			return err
		}
		defer mb.Close()
		sinks = append(sinks, mb)
	}

	ctrl.OnSnapshot(func(snap app.Snapshot) {
		for _, s := range sinks {
			s.PublishState(snap)
		}
	})
	sub := ctrl.SubscribeActivity()
	defer sub.Close()
	go func() {
		for e := range sub.C() {
			log.Info().Str("component", "activity").Str("kind", string(e.Kind)).Msg(e.Message)
			for _, s := range sinks {
				s.PublishActivity(e)
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go loop.Run(loopCtx)

	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server failed")
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := ctrl.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Controller did not close cleanly")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API server did not shut down cleanly")
	}
	log.Info().Msg("smartlockd stopped")
	return nil
}

func setupLogging(cfg config.LogConfig) {
	if strings.EqualFold(cfg.Format, "json") {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func printSummary(cfg *config.Config) {
	fmt.Printf("Adapter:          %s\n", cfg.BLE.Adapter)
	fmt.Printf("Service:          %s\n", cfg.BLE.ServiceUUID)
	fmt.Printf("Connect timeout:  %s\n", cfg.Link.ConnectTimeout)
	fmt.Printf("Reconnect delay:  %s\n", cfg.Link.ReconnectDelay)
	fmt.Printf("Proximity:        enabled=%v lock<%d dBm unlock>%d dBm every %s\n",
		cfg.Proximity.Enabled, cfg.Proximity.LockThreshold, cfg.Proximity.UnlockThreshold, cfg.Proximity.Interval)
	fmt.Printf("HTTP:             %s (auth=%v)\n", cfg.HTTP.Addr, cfg.HTTP.JWTSecret != "")
	fmt.Printf("NATS:             %s\n", orNone(cfg.NATS.URL))
	fmt.Printf("MQTT:             %s\n", orNone(cfg.MQTT.Broker))
}

func orNone(s string) string {
	if s == "" {
		return "disabled"
	}
	return s
}
