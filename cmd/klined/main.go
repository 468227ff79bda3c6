package main

import (
	"os"

	"github.com/rs/zerolog/log"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("klined exited with error")
		os.Exit(1)
	}
}
