package cli

import (
	"github.com/neboloop/marketrelay/internal/config"
)

// Shared CLI flags
var (
	cfgFile  string
	logLevel string
	jsonOut  bool
)

// Version is stamped by the build.
var Version = "dev"

// ServerConfig holds the configuration loaded by main
var ServerConfig *config.Config
