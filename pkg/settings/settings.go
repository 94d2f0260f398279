package settings

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ConsoleSettings holds persistable preferences of the teacher console
type ConsoleSettings struct {
	HubURL   string `json:"hubUrl"`
	APIURL   string `json:"apiUrl"`
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
	TenantID string `json:"tenantId"`
	// Quality is the preferred screen-share preset
	Quality string `json:"quality"`
}

// DefaultConsoleSettings returns the default settings with a fresh device ID
func DefaultConsoleSettings() ConsoleSettings {
	return ConsoleSettings{
		HubURL:   "ws://localhost:8080/ws",
		APIURL:   "http://localhost:8080",
		DeviceID: uuid.NewString(),
		Quality:  "medium",
	}
}

// getConfigPath returns the console settings path.
// Uses XDG_CONFIG_HOME if set, otherwise the OS user config dir.
func getConfigPath() (string, error) {
	var configDir string

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		configDir = filepath.Join(xdg, "liveclass")
	} else {
		userConfigDir, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(userConfigDir, "liveclass")
	}

	return filepath.Join(configDir, "console.json"), nil
}

// LoadConsole reads console settings.
// Returns defaults if the file doesn't exist or is invalid.
func LoadConsole() (ConsoleSettings, error) {
	settings := DefaultConsoleSettings()

	path, err := getConfigPath()
	if err != nil {
		return settings, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, err
	}

	// keep defaults for missing fields
	if err := json.Unmarshal(data, &settings); err != nil {
		return DefaultConsoleSettings(), nil
	}
	if settings.DeviceID == "" {
		settings.DeviceID = uuid.NewString()
	}
	return settings, nil
}

// SaveConsole writes console settings
func SaveConsole(settings ConsoleSettings) error {
	path, err := getConfigPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
