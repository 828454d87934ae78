package main

import (
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/vaultkit/vaultsync/internal/obs"
	"github.com/vaultkit/vaultsync/internal/tabsync"
)

func main() {
	_ = godotenv.Load()

	addr := envOrDefault("VAULTSYNC_RELAY_ADDR", ":8091")
	hub := tabsync.NewRelayHub(obs.NewLogger())

	log.Printf("vaultsync relay listening on %s", addr)
	if err := http.ListenAndServe(addr, hub); err != nil {
		log.Fatalf("relay failed: %v", err)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
