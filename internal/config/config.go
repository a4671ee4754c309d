package config

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Port        string
	DatabaseURL string
	Store       string

	PushWebhookURL    string
	PushWebhookToken  string
	RelayWebhookURL   string
	RelayWebhookToken string
	NotifyTimeout     time.Duration

	ReassignPolicyFile string

	ProofDir      string
	ProofBaseURL  string
	ProofMaxBytes int64

	ListenForChanges bool
	ShutdownTimeout  time.Duration
}

// Load reads the environment. A .env file in the working directory is
// applied first; variables already set win.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("config: load .env: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	store := strings.ToLower(os.Getenv("STORE"))
	if store == "" {
		store = StorePostgres
		if dsn == "" {
			store = StoreMemory
		}
	}

	return Config{
		Port:        port,
		DatabaseURL: dsn,
		Store:       store,

		PushWebhookURL:    os.Getenv("NOTIFY_PUSH_WEBHOOK_URL"),
		PushWebhookToken:  os.Getenv("NOTIFY_PUSH_WEBHOOK_TOKEN"),
		RelayWebhookURL:   os.Getenv("NOTIFY_RELAY_WEBHOOK_URL"),
		RelayWebhookToken: os.Getenv("NOTIFY_RELAY_WEBHOOK_TOKEN"),
		NotifyTimeout:     readDurationSeconds("NOTIFY_TIMEOUT_SECONDS", 5),

		ReassignPolicyFile: os.Getenv("REASSIGN_POLICY_FILE"),

		ProofDir:      readString("PROOF_DIR", "data/proofs"),
		ProofBaseURL:  readString("PROOF_BASE_URL", "/proofs"),
		ProofMaxBytes: int64(readInt("PROOF_MAX_BYTES", 10<<20)),

		ListenForChanges: readBool("CHANGEFEED_LISTEN", true),
		ShutdownTimeout:  readDurationSeconds("SHUTDOWN_TIMEOUT_SECONDS", 10),
	}
}

func readString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
