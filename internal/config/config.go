package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr              string
	DatabasePath      string
	CORSOrigin        string
	ValidationProfile string
	DefaultRegion     string
	// Mapillary Graph API - imagery lookup disabled without a token
	MapillaryURL     string
	MapillaryToken   string
	MapillaryTimeout time.Duration
}

func Load() Config {
	// A missing .env file is fine; the environment wins either way.
	_ = godotenv.Load()

	return Config{
		Addr:              getenv("API_ADDR", ":8790"),
		DatabasePath:      getenv("LINEREVIEW_DB_PATH", "./data/linereview.db"),
		CORSOrigin:        getenv("LINEREVIEW_CORS_ORIGIN", "*"),
		ValidationProfile: getenv("LINEREVIEW_VALIDATION_PROFILE", "line"),
		DefaultRegion:     getenv("LINEREVIEW_DEFAULT_REGION", ""),
		MapillaryURL:      getenv("MAPILLARY_API_URL", "https://graph.mapillary.com"),
		MapillaryToken:    getenv("MAPILLARY_TOKEN", ""),
		MapillaryTimeout:  time.Duration(getenvInt("MAPILLARY_TIMEOUT_SECONDS", 10)) * time.Second,
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
