package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"fieldexec/internal/logger"
	"fieldexec/internal/projects"
	"fieldexec/internal/remote"

	"github.com/joho/godotenv"
)

func init() {
	envFiles := []string{
		".env",
	}

	for _, envFile := range envFiles {
		if err := godotenv.Load(envFile); err != nil {
			if !os.IsNotExist(err) {
				logger.Warn("Error loading %s: %v", envFile, err)
			}
		}
	}
}

func GetEnv(key string, defaultValue string) string {
	value := os.Getenv(key)

	if value == "" {
		return defaultValue
	}

	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)

	if value == "" {
		return defaultValue
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn("Invalid duration in %s: %v", key, err)
		return defaultValue
	}
	return parsed
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)

	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		logger.Warn("Invalid number in %s: %v", key, err)
		return defaultValue
	}
	return parsed
}

func getHomeDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		logger.Warn("Could not determine home directory: %v", err)
		return ""
	}
	return homeDir
}

func getDefaultDatabasePath(fallback string, profile string) string {
	homeDir := getHomeDir()
	if homeDir == "" {
		return fallback
	}
	return filepath.Join(homeDir, ".fieldexec", profile, "fieldexec.db")
}

func getDefaultStateFilePath(fallback string) string {
	homeDir := getHomeDir()
	if homeDir == "" {
		return fallback
	}
	return filepath.Join(homeDir, ".config", "fieldexec", "fieldexecd.json")
}

type Configuration struct {
	Profile      string
	DatabasePath string

	// DaemonStateFile is where a running helper daemon advertises itself.
	// When the file exists and is valid, operations route through the daemon
	// instead of dialing SSH directly.
	DaemonStateFile string

	// Backend forces transport selection: "direct", "daemon" or "auto"
	// (daemon when a valid state file is present).
	Backend string

	BaseDirName string

	Shell          remote.Shell
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	Retries        int
}

var Profile = GetEnv("FIELDEXEC_PROFILE", "default")
var DatabasePath = GetEnv("FIELDEXEC_DATABASE_PATH", getDefaultDatabasePath("/tmp/fieldexec/fieldexec.db", Profile))

var Config = &Configuration{
	Profile:      Profile,
	DatabasePath: DatabasePath,

	DaemonStateFile: GetEnv("FIELDEXECD_STATE_FILE", getDefaultStateFilePath("/tmp/fieldexec/fieldexecd.json")),

	Backend: GetEnv("FIELDEXEC_BACKEND", "auto"),

	BaseDirName: GetEnv("FIELDEXEC_BASE_DIR", projects.DefaultBaseDirName),

	Shell:          remote.ParseShell(GetEnv("FIELDEXEC_SHELL", "bash")),
	ConnectTimeout: getEnvDuration("FIELDEXEC_CONNECT_TIMEOUT", 10*time.Second),
	CommandTimeout: getEnvDuration("FIELDEXEC_COMMAND_TIMEOUT", 30*time.Second),
	Retries:        getEnvInt("FIELDEXEC_RETRIES", 1),
}

// Options returns the per-operation bounds derived from configuration.
func (c *Configuration) Options() remote.Options {
	return remote.Options{
		ConnectTimeout: c.ConnectTimeout,
		CommandTimeout: c.CommandTimeout,
		Retries:        c.Retries,
	}
}
