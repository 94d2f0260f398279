package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tomaslejdung/liveclass/pkg/settings"
)

// LocalHub is the URL of a hub started with cmd/server on this machine
const LocalHub = "ws://localhost:8080/ws"

// Config holds runtime configuration of the console
type Config struct {
	HubURL    string
	APIURL    string
	SessionID string
	UserID    string
	DeviceID  string
	TenantID  string
	Quality   string
	Save      bool
	Help      bool
}

func parseFlags(defaults settings.ConsoleSettings) Config {
	config := Config{}
	var localMode bool

	flag.StringVar(&config.SessionID, "session", "", "Session to join")
	flag.StringVar(&config.SessionID, "s", "", "Session to join (shorthand)")

	flag.StringVar(&config.UserID, "user", defaults.UserID, "Your user ID (must be the session teacher for control)")
	flag.StringVar(&config.UserID, "u", defaults.UserID, "Your user ID (shorthand)")

	flag.StringVar(&config.HubURL, "hub", defaults.HubURL, "Hub WebSocket URL")
	flag.StringVar(&config.APIURL, "api", defaults.APIURL, "Hub REST URL")
	flag.BoolVar(&localMode, "local", false, "Use a local hub ("+LocalHub+")")

	flag.StringVar(&config.DeviceID, "device", defaults.DeviceID, "Device ID of this console")
	flag.StringVar(&config.TenantID, "tenant", defaults.TenantID, "Tenant ID")
	flag.StringVar(&config.Quality, "quality", defaults.Quality, "Screen share quality (low|med|hi|ultra)")

	flag.BoolVar(&config.Save, "save", false, "Remember hub, user and quality for next time")

	flag.BoolVar(&config.Help, "help", false, "Show help")
	flag.BoolVar(&config.Help, "h", false, "Show help (shorthand)")

	flag.Parse()

	if localMode {
		config.HubURL = LocalHub
		config.APIURL = "http://localhost:8080"
	}
	return config
}

func printHelp() {
	fmt.Println(`LiveClass - Teacher Console

Usage: liveclass --session <id> --user <teacher-id> [options]

Options:
  --session, -s <id>     Session to join
  --user, -u <id>        Your user ID
  --hub <url>            Hub WebSocket URL
  --api <url>            Hub REST URL (used for begin/pause/end)
  --local                Use a local hub (` + LocalHub + `)
  --device <id>          Device ID of this console (persisted)
  --tenant <id>          Tenant ID
  --quality <preset>     Screen share quality: low, medium, high, ultra
  --save                 Remember these settings
  --help, -h             Show help

Controls:
  Tab            Switch between Participants and Quality
  ↑/↓ or j/k     Navigate
  1-4            Quick-select quality preset
  l / u          Lock / unlock the selected device
  L / U          Lock / unlock every student device
  m / M          Send a message to the selected / every device
  s / f / S      Share your screen / force share / stop sharing
  b / p / e      Begin / pause or resume / end the session
  q              Leave and quit`)
}

func main() {
	defaults, err := settings.LoadConsole()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: console settings: %v\n", err)
	}
	config := parseFlags(defaults)

	if config.Help {
		printHelp()
		return
	}
	if config.SessionID == "" || config.UserID == "" {
		printHelp()
		os.Exit(2)
	}

	if config.Save {
		defaults.HubURL = config.HubURL
		defaults.APIURL = config.APIURL
		defaults.UserID = config.UserID
		defaults.DeviceID = config.DeviceID
		defaults.TenantID = config.TenantID
		defaults.Quality = config.Quality
		if err := settings.SaveConsole(defaults); err != nil {
			fmt.Fprintf(os.Stderr, "warning: save settings: %v\n", err)
		}
	}

	if err := RunTUI(config); err != nil {
		slog.Error("console failed", "error", err)
		os.Exit(1)
	}
}
