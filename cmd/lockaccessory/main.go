package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/ebarer/SmartLock/internal/ble"
	"github.com/ebarer/SmartLock/internal/link"
)

func main() {
	name := flag.String("name", "SmartLock", "advertised local name")
	service := flag.String("service", link.ServiceUUID, "UART service uuid")
	write := flag.String("write", link.WriteUUID, "command characteristic uuid")
	notify := flag.String("notify", link.NotifyUUID, "reply characteristic uuid")
	status := flag.Duration("status", 30*time.Second, "interval between status lines (0 disables)")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	latch := ble.NewLatch()
	if _, err := ble.ServeAccessory(ble.AccessoryOptions{
		Name:        *name,
		ServiceUUID: *service,
		WriteUUID:   *write,
		NotifyUUID:  *notify,
	}, latch); err != nil {
		log.Fatal().Err(err).Msg("Failed to start accessory")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var tick <-chan time.Time
	if *status > 0 {
		ticker := time.NewTicker(*status)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			log.Info().Str("state", string(latch.State())).Msg("Accessory alive")
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Accessory stopping")
			return
		}
	}
}
