package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/lodestone-chat/lodestone/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.lodestone/server.toml", "Path to TOML config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	dbPath, err := tomlConfig.GetDatabasePath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve database path: %v\n", err)
		os.Exit(1)
	}
	identityPath, err := tomlConfig.GetIdentityPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve identity path: %v\n", err)
		os.Exit(1)
	}

	srv, err := server.NewServer(tomlConfig.ToServerConfig(), dbPath, identityPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		os.Exit(1)
	}
	log.Printf("Lodestone server started (config: %s)", *configPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %v, shutting down", sig)

	if err := srv.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
		os.Exit(1)
	}
}
