// Package profile resolves the coordinator's runtime configuration from
// environment variables and the optional devices file.
package profile

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DeviceConfig is one preconfigured device endpoint for outbound dialing.
type DeviceConfig struct {
	DeviceID     string            `json:"device_id"`
	ServerURL    string            `json:"server_url"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	AutoConnect  bool              `json:"auto_connect"`
	MaxRetries   int               `json:"max_retries,omitempty"`
}

// Profile is configuration to start the coordinator.
type Profile struct {
	// Unified LLM configuration (OpenAI-compatible protocol).
	LLMProvider string // deepseek, openai, ollama, or any compatible provider
	LLMAPIKey   string
	LLMBaseURL  string
	LLMModel    string
	LLMTimeout  int // seconds

	// Scheduler budgets.
	MaxPlannerTurnsPerRound int
	RoundWallClockSeconds   int
	TaskTimeoutSeconds      int
	QuiescenceWindowMs      int
	MaxParallelTasks        int

	// Retry policy.
	DefaultMaxRetries int
	BackoffInitialMs  int
	BackoffMaxMs      int

	// Transport.
	HeartbeatIntervalSeconds int
	HeartbeatGraceSeconds    int
	MaxFrameBytes            int

	// Preconfigured devices, loaded from DevicesFile.
	Devices     []DeviceConfig
	DevicesFile string

	Mode    string // demo, dev, prod
	Addr    string
	Port    int
	Data    string // artifact + database directory
	DSN     string // sqlite path; empty derives from Data
	Version string
}

var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o",
	},
	"ollama": {
		BaseURL: "http://localhost:11434/v1",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.LLMProvider = getEnvOrDefault("GALAXY_LLM_PROVIDER", "deepseek")
	p.LLMAPIKey = getEnvOrDefault("GALAXY_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("GALAXY_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("GALAXY_LLM_MODEL", "")
	p.LLMTimeout = getEnvOrDefaultInt("GALAXY_LLM_TIMEOUT_SECONDS", 120)

	if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
		slog.Info("profile: generic OpenAI-compatible provider", "provider", p.LLMProvider)
	} else {
		defaults := llmProviderDefaults[p.LLMProvider]
		if p.LLMBaseURL == "" {
			p.LLMBaseURL = defaults.BaseURL
		}
		if p.LLMModel == "" {
			p.LLMModel = defaults.Model
		}
	}

	p.MaxPlannerTurnsPerRound = getEnvOrDefaultInt("GALAXY_MAX_PLANNER_TURNS_PER_ROUND", 10)
	p.RoundWallClockSeconds = getEnvOrDefaultInt("GALAXY_ROUND_WALL_CLOCK_SECONDS", 900)
	p.TaskTimeoutSeconds = getEnvOrDefaultInt("GALAXY_TASK_TIMEOUT_SECONDS", 120)
	p.QuiescenceWindowMs = getEnvOrDefaultInt("GALAXY_QUIESCENCE_WINDOW_MS", 200)
	p.MaxParallelTasks = getEnvOrDefaultInt("GALAXY_MAX_PARALLEL_TASKS", 8)

	p.DefaultMaxRetries = getEnvOrDefaultInt("GALAXY_DEFAULT_MAX_RETRIES", 3)
	p.BackoffInitialMs = getEnvOrDefaultInt("GALAXY_BACKOFF_INITIAL_MS", 500)
	p.BackoffMaxMs = getEnvOrDefaultInt("GALAXY_BACKOFF_MAX_MS", 30000)

	p.HeartbeatIntervalSeconds = getEnvOrDefaultInt("GALAXY_HEARTBEAT_INTERVAL_SECONDS", 15)
	p.HeartbeatGraceSeconds = getEnvOrDefaultInt("GALAXY_HEARTBEAT_GRACE_SECONDS", 45)
	p.MaxFrameBytes = getEnvOrDefaultInt("GALAXY_MAX_FRAME_BYTES", 1<<20)

	p.DevicesFile = getEnvOrDefault("GALAXY_DEVICES_FILE", "")
}

// LoadDevices reads the devices file, when configured.
func (p *Profile) LoadDevices() error {
	if p.DevicesFile == "" {
		return nil
	}
	data, err := os.ReadFile(p.DevicesFile)
	if err != nil {
		return errors.Wrapf(err, "read devices file %s", p.DevicesFile)
	}
	var doc struct {
		Devices []DeviceConfig `json:"devices"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return errors.Wrapf(err, "parse devices file %s", p.DevicesFile)
	}
	for i, d := range doc.Devices {
		if d.DeviceID == "" {
			return errors.Errorf("devices file entry %d: device_id required", i)
		}
	}
	p.Devices = doc.Devices
	return nil
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if a relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate normalizes the profile and checks the data directory.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Data == "" {
		if p.Mode == "prod" {
			p.Data = "/var/opt/galaxy"
		} else {
			p.Data = os.TempDir()
		}
	}
	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return err
	}
	p.Data = dataDir

	if p.DSN == "" {
		p.DSN = filepath.Join(p.Data, "galaxy.db")
	}
	return p.LoadDevices()
}
