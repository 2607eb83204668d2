package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/device-gateway/internal/gateway"
)

func main() {
	defaultConfig := os.Getenv("GATEWAY_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "./config/gateway.yaml"
	}
	configPath := flag.String("config", defaultConfig, "path to gateway config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, err := gateway.New(*configPath)
	if err != nil {
		log.Printf("config error: %v", err)
		os.Exit(1)
	}
	if err := g.Start(ctx); err != nil {
		log.Printf("gateway stopped with error: %v", err)
		os.Exit(1)
	}
}
