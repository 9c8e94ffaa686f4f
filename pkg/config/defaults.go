// Package config provides centralized default values for OK Monitor
package config

import (
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var envLoaded sync.Once

func loadEnvFile() {
	envLoaded.Do(func() {
		if err := godotenv.Load(); err != nil {
			return
		}
		log.Println("Loading configuration overrides from .env file...")
	})
}

func getEnvInt(key string, defaultValue int) int {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.Atoi(valStr); err == nil {
			if val != defaultValue {
				log.Printf("Config override: %s=%d (default: %d)", key, val, defaultValue)
			}
			return val
		}
	}
	return defaultValue
}

func getEnvString(key string, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		if val != defaultValue {
			log.Printf("Config override: %s=%s (default: %s)", key, val, defaultValue)
		}
		return val
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.ParseFloat(valStr, 64); err == nil {
			if val != defaultValue {
				log.Printf("Config override: %s=%g (default: %g)", key, val, defaultValue)
			}
			return val
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := strconv.ParseBool(valStr); err == nil {
			if val != defaultValue {
				log.Printf("Config override: %s=%t (default: %t)", key, val, defaultValue)
			}
			return val
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if valStr := os.Getenv(key); valStr != "" {
		if val, err := time.ParseDuration(valStr); err == nil {
			if val != defaultValue {
				log.Printf("Config override: %s=%s (default: %s)", key, val, defaultValue)
			}
			return val
		}
	}
	return defaultValue
}

var (
	// Server Configuration
	Port               string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ServerIdleTimeout  time.Duration

	// Datalake Configuration
	DatalakeRoot         string
	ThumbnailWidth       int
	PrunerEnabled        bool
	PrunerRetention      time.Duration
	PrunerSweepInterval  time.Duration
	IndexCapacity        int
	IndexRebuildOnStart  bool
	MaxCaptureQueryLimit int

	// Classifier Configuration
	PrimaryProvider   string
	PrimaryAPIKey     string
	PrimaryModel      string
	PrimaryBaseURL    string
	SecondaryProvider string
	SecondaryAPIKey   string
	SecondaryModel    string
	SecondaryBaseURL  string
	ClassifierTimeout time.Duration
	ConfidenceFloor   float64
	NormalDescription string

	// Streak / Similarity Configuration
	StreakThreshold         int
	StreakKeepEvery         int
	SimilarityEnabled       bool
	SimilarityThreshold     int
	SimilarityExpiryMinutes int
	SimilarityCachePath     string

	// Trigger Hub Configuration
	HubSubscriberBuffer int
	HubReplayBuffer     int

	// Alert Email Configuration
	AlertEmailEnabled bool
	AlertEmailFrom    string
	AlertEmailTo      string
	AlertUIBaseURL    string
)

func init() {
	loadEnvFile()

	// Server Configuration
	Port = getEnvString("PORT", "8080")
	ServerReadTimeout = getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second)
	// Write timeout stays disabled so SSE and websocket streams are not
	// severed mid-connection.
	ServerWriteTimeout = getEnvDuration("SERVER_WRITE_TIMEOUT", 0)
	ServerIdleTimeout = getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second)

	// Datalake
	DatalakeRoot = getEnvString("DATALAKE_ROOT", "cloud_datalake")
	ThumbnailWidth = getEnvInt("THUMBNAIL_WIDTH", 320)
	PrunerEnabled = getEnvBool("DATALAKE_PRUNER_ENABLED", false)
	PrunerRetention = time.Duration(getEnvInt("DATALAKE_RETENTION_DAYS", 14)) * 24 * time.Hour
	PrunerSweepInterval = getEnvDuration("DATALAKE_PRUNER_INTERVAL", time.Hour)
	IndexCapacity = getEnvInt("CAPTURE_INDEX_CAPACITY", 500)
	IndexRebuildOnStart = getEnvBool("CAPTURE_INDEX_REBUILD", true)
	MaxCaptureQueryLimit = getEnvInt("CAPTURE_QUERY_MAX_LIMIT", 100)

	// Classifiers
	PrimaryProvider = getEnvString("PRIMARY_PROVIDER", "openai")
	PrimaryAPIKey = getEnvString("OPENAI_API_KEY", "")
	PrimaryModel = getEnvString("OPENAI_MODEL", "gpt-4o-mini")
	PrimaryBaseURL = getEnvString("OPENAI_BASE_URL", "https://api.openai.com/v1")
	SecondaryProvider = getEnvString("SECONDARY_PROVIDER", "gemini")
	SecondaryAPIKey = getEnvString("GEMINI_API_KEY", "")
	SecondaryModel = getEnvString("GEMINI_MODEL", "gemini-1.5-flash")
	SecondaryBaseURL = getEnvString("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta")
	ClassifierTimeout = getEnvDuration("CLASSIFIER_TIMEOUT", 30*time.Second)
	ConfidenceFloor = getEnvFloat("CONFIDENCE_FLOOR", 0.6)
	NormalDescription = getEnvString("NORMAL_DESCRIPTION", "")

	// Streak / Similarity
	StreakThreshold = getEnvInt("STREAK_THRESHOLD", 3)
	StreakKeepEvery = getEnvInt("STREAK_KEEP_EVERY", 5)
	SimilarityEnabled = getEnvBool("SIMILARITY_ENABLED", true)
	SimilarityThreshold = getEnvInt("SIMILARITY_THRESHOLD", 5)
	SimilarityExpiryMinutes = getEnvInt("SIMILARITY_EXPIRY_MINUTES", 60)
	SimilarityCachePath = getEnvString("SIMILARITY_CACHE_PATH", "similarity_cache.db")

	// Trigger Hub
	HubSubscriberBuffer = getEnvInt("HUB_SUBSCRIBER_BUFFER", 64)
	HubReplayBuffer = getEnvInt("HUB_REPLAY_BUFFER", 32)

	// Alert Email
	AlertEmailEnabled = getEnvBool("ALERT_EMAIL_ENABLED", false)
	AlertEmailFrom = getEnvString("ALERT_EMAIL_FROM", "alerts@okmonitor.local")
	AlertEmailTo = getEnvString("ALERT_EMAIL_TO", "")
	AlertUIBaseURL = getEnvString("ALERT_UI_BASE_URL", "")
}
