// TxRisk MCP Server - exposes transaction risk scoring as MCP tools for LLMs
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/mbd888/txrisk/internal/logging"
	"github.com/mbd888/txrisk/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	_ = godotenv.Load()

	// stdout carries the MCP protocol; logs go to stderr
	logger := logging.NewWithWriter(os.Stderr, envOrDefault("LOG_LEVEL", "warn"), "text")

	timeout, err := time.ParseDuration(envOrDefault("TXRISK_TIMEOUT", "15s"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid TXRISK_TIMEOUT: %v\n", err)
		os.Exit(1)
	}

	cfg := mcpserver.Config{
		APIURL:  envOrDefault("TXRISK_API_URL", "http://localhost:8080"),
		APIKey:  os.Getenv("TXRISK_API_KEY"),
		Timeout: timeout,
	}

	s := mcpserver.NewMCPServer(cfg, Version, logger)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
