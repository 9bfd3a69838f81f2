package main

import (
	"os"

	"github.com/joho/godotenv"

	"console_agent/internal/logger"
)

func main() {
	// .env is optional; the environment wins.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Msg("Error loading .env file")
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
