package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                      string
	Environment               string
	VerifyToken               string
	AppSecret                 string // signs webhook payloads; empty disables the check
	WhatsAppToken             string
	PhoneNumberID             string
	WhatsAppBusinessAccountID string
	GraphAPIBaseURL           string

	DBDriver   string // sqlite or postgres
	DBPath     string
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string
	DBSSLMode  string

	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration

	CampaignFile string
	LogFilePath  string
}

func LoadConfig() *Config {
	err := godotenv.Load()
	if err != nil {
		log.Println("Warning: Error loading .env file")
	}

	return &Config{
		Port:                      getEnv("PORT", "8080"),
		Environment:               getEnv("GO_ENV", "development"),
		VerifyToken:               getEnv("VERIFY_TOKEN", ""),
		AppSecret:                 getEnv("APP_SECRET", ""),
		WhatsAppToken:             getEnv("WHATSAPP_TOKEN", ""),
		PhoneNumberID:             getEnv("PHONE_NUMBER_ID", ""),
		WhatsAppBusinessAccountID: getEnv("WABA_ID", ""),
		GraphAPIBaseURL:           getEnv("GRAPH_API_BASE_URL", "https://graph.facebook.com/v19.0"),

		DBDriver:   getEnv("DB_DRIVER", "sqlite"),
		DBPath:     getEnv("DB_PATH", "./sdr.db"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "sdr"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		LLMBaseURL: getEnv("LLM_BASE_URL", "https://api.groq.com/openai/v1"),
		LLMAPIKey:  getEnv("LLM_API_KEY", getEnv("GROQ_API_KEY", "")),
		LLMModel:   getEnv("LLM_MODEL", "llama-3.3-70b-versatile"),
		LLMTimeout: getEnvAsDuration("LLM_TIMEOUT", 30*time.Second),

		CampaignFile: getEnv("CAMPAIGN_FILE", "./campaign.yaml"),
		LogFilePath:  getEnv("LOG_FILE_PATH", "./logs/sdr.log"),
	}
}

// IsProduction reports whether GO_ENV is production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// bare numbers are seconds
		if secs := getEnvAsInt(key, -1); secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
