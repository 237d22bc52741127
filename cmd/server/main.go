package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/netchat/pkg/server"
)

var Version = "dev"

func main() {
	configPath := flag.String("config", "~/.config/netchat/config.toml", "Path to config file")
	debug := flag.Bool("debug", false, "Enable debug logging to debug.log")
	port := flag.Int("port", 0, "Override the TCP chat port")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("netchat-server %s\n", Version)
		return
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	config, err := tomlConfig.ToServerConfig()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}
	if *debug {
		config.Debug = true
	}
	if *port > 0 {
		config.TCPPort = *port
	}

	if err := server.InitLoggers(config.DataDir, config.Debug); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	log.Printf("netchat-server %s starting (config %s)", Version, *configPath)

	srv, err := server.NewServer(config)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %s, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown finished with error: %v", err)
		os.Exit(1)
	}
	log.Printf("Server stopped")
}
