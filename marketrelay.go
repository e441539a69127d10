package main

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	cli "github.com/neboloop/marketrelay/cmd/marketrelay"
	"github.com/neboloop/marketrelay/internal/config"
	"github.com/neboloop/marketrelay/internal/defaults"
)

//go:embed etc/marketrelay.yaml
var embeddedConfig []byte

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	// Embedded config holds the defaults; --config layers a file over it
	c, err := config.LoadFromBytes(embeddedConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load embedded config: %v\n", err)
		os.Exit(1)
	}

	// Paths left empty by the config live in the per-user data directory
	if dataDir, err := defaults.DataDir(); err == nil {
		if c.Audit.Path == "" {
			c.Audit.Path = defaults.AuditPath(dataDir)
		}
		if c.Credentials.File == "" {
			c.Credentials.File = defaults.CredentialsPath(dataDir)
		}
	}

	if err := cli.SetupRootCmd(&c).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
