package main

import (
	"fmt"
	"os"
	"strings"
)

const binaryName = "trashtrack-station"

func main() {
	cmd := "run"
	if len(os.Args) >= 2 && !strings.HasPrefix(os.Args[1], "-") {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "--help", "-h", "help":
		showUsage()
		return
	case "run":
		err = run()
	case "lcd-test":
		err = runLCDTest()
	case "daemon":
		err = runDaemon()
	case "encrypt-secret":
		err = runEncryptSecret()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun '%s --help' for usage information.\n", cmd, binaryName)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`trashtrack-station - food waste tracking station daemon

USAGE:
    trashtrack-station [COMMAND] [FLAGS]

COMMANDS:
    run             Poll for sessions and track food waste (default)
    lcd-test        Claim the display, show the splash screen and release
    daemon          Manage the station as a systemd service
                    Subcommands: install, uninstall, status
    encrypt-secret  Encrypt a device secret for the config file
                    (reads the secret from stdin, key from STATION_CONFIG_KEY)

FLAGS:
    -h, --help      Show this help message
    --config PATH   Config file path (default: /etc/trashtrack/station.yaml)

CONFIGURATION:
    Environment: BACKEND_URL, DEVICE_ID, DEVICE_SECRET, CAPTURE_INTERVAL,
                 POLL_INTERVAL, CONFIDENCE_THRESHOLD and STATION_* override
                 the config file. A .env file in the working directory is
                 loaded without overriding the environment.

EXAMPLES:
    trashtrack-station                         # Run with the default config
    trashtrack-station lcd-test                # Check the display wiring
    trashtrack-station daemon install          # Install as a systemd service
    echo -n s3cret | STATION_CONFIG_KEY=k trashtrack-station encrypt-secret`)
}

// configPath returns --config from os.Args, STATION_CONFIG, or the default.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("STATION_CONFIG"); p != "" {
		return p
	}
	return "/etc/trashtrack/station.yaml"
}
