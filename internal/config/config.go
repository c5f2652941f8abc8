// Package config contains the configuration of the receiver program.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all program configuration.
type Config struct {
	// Receiver
	// empty to use the port of the SDP, or :5000.
	ListenAddress      string
	SourceAddress      string
	MulticastInterface string
	SDPPath            string
	QueueCapacity      int
	IDRTimeout         time.Duration
	ReadBufferSize     int
	RTCPPort           int

	// Output
	OutputPath string

	// HTTP Server
	HTTPAddr string
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddress:      getEnv("VIDEORECV_LISTEN_ADDR", ""),
		SourceAddress:      getEnv("VIDEORECV_SOURCE", ""),
		MulticastInterface: getEnv("VIDEORECV_MULTICAST_INTERFACE", ""),
		SDPPath:            getEnv("VIDEORECV_SDP", ""),
		QueueCapacity:      getIntEnv("VIDEORECV_QUEUE_CAPACITY", 3),
		IDRTimeout:         getDurationEnv("VIDEORECV_IDR_TIMEOUT", 5*time.Second),
		ReadBufferSize:     getIntEnv("VIDEORECV_READ_BUFFER_SIZE", 0),
		RTCPPort:           getIntEnv("VIDEORECV_RTCP_PORT", 0),
		OutputPath:         getEnv("VIDEORECV_OUTPUT", "-"),
		HTTPAddr:           getEnv("VIDEORECV_HTTP_ADDR", ":8080"),
	}

	if cfg.QueueCapacity < 1 {
		return nil, fmt.Errorf("VIDEORECV_QUEUE_CAPACITY must be at least 1")
	}

	if cfg.RTCPPort < 0 || cfg.RTCPPort > 65535 {
		return nil, fmt.Errorf("VIDEORECV_RTCP_PORT is not a valid port")
	}

	return cfg, nil
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
