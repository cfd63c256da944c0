// Command server runs the chat-toy relay: a REST surface for creating
// servers/channels and posting messages, plus a WebSocket push transport
// for live delivery to subscribed connections.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/marktwallace/chat-toy/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.chat-toy/config.toml", "path to config file")
	port := flag.Int("port", 0, "override listen port")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		server.EnableDebugLogging()
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	config := tomlConfig.ToServerConfig()
	if *port != 0 {
		config.Port = *port
	}

	srv, err := server.NewServer(config)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Block until asked to stop.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}
