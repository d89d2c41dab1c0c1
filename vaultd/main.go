// Package main implements the Haven vault daemon. Each vaultd process
// serves a single subject's vault: it holds the unlocked vault key in
// process memory only, gates every data access behind consent tokens,
// and persists nothing but ciphertext.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/havenid/haven/storage"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	subjectID := flag.String("subject", "", "Verified subject ID (overrides config)")
	devMode := flag.Bool("dev-mode", false, "Run in development mode")
	flag.Parse()

	// Configure logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *subjectID != "" {
		cfg.SubjectID = *subjectID
	}
	if *devMode {
		cfg.DevMode = true
	}
	if cfg.SubjectID == "" {
		fmt.Fprintln(os.Stderr, "Error: a subject ID is required (--subject or config)")
		os.Exit(1)
	}

	log.Logger = log.Logger.With().Str("subject_id", cfg.SubjectID).Logger()
	log.Info().
		Str("version", Version).
		Bool("dev_mode", cfg.DevMode).
		Msg("Vault daemon starting")

	storeKey, err := loadKeyFile(cfg.Store.KeyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load store key")
	}
	authoritySecret, err := loadKeyFile(cfg.Authority.SecretFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load authority secret")
	}

	store, err := storage.Open(cfg.Store.Path, storeKey)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	// No platform authenticator on the server side; passkey unlocks
	// arrive pre-evaluated from the client device.
	server, err := NewServer(cfg, store, authoritySecret, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := server.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Vault daemon error")
	}

	log.Info().Msg("Vault daemon shutdown complete")
}
