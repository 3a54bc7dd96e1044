package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/rs/zerolog/log"

	"github.com/patrikhermansson/colann/cmd"
)

// main runs the CLI. Log verbosity comes from COLANN_LOG. An interrupt
// cancels the running command; a second one exits immediately.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopChan := make(chan os.Signal, 2)
	signal.Notify(stopChan, os.Interrupt)
	go listenForInterrupt(stopChan, cancel)

	if err := cmd.Execute(ctx); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func listenForInterrupt(stopChan chan os.Signal, cancel context.CancelFunc) {
	<-stopChan
	log.Warn().Msg("Interrupt signal received. Cancelling...")
	cancel()
	<-stopChan
	log.Fatal().Msg("Interrupt signal received. Exiting...")
}
