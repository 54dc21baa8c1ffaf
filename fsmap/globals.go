package fsmap

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

var (
	// DefaultAppName is used for config lookup and env prefixes
	DefaultAppName    = "fsmap"
	DefaultConfigPath = filepath.Join(getHomeDir(), ".config", DefaultAppName)
	DefaultConfigFile = filepath.Join(DefaultConfigPath, "config.yaml")
	DefaultEnvPrefix  = "FSMAP"

	// MemoryStore is the index location value that keeps every collection's index in memory
	MemoryStore = "MEMORY"
	// DefaultMemoryDSN opens a private in-memory libsql database
	DefaultMemoryDSN = "file::memory:"
	// DefaultIndexFileExt is appended to the collection name for file-backed indexes
	DefaultIndexFileExt = ".db"
	// DefaultIgnoreFile is read from each collection root
	DefaultIgnoreFile = ".fsmapignore"
)

func getHomeDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		cwd, cwdErr := os.Getwd()
		if cwdErr != nil {
			log.Printf("Unable to get home or working directory, using /tmp: %v", err)
			return "/tmp"
		}
		log.Printf("Unable to get home directory, using current working directory: %v", err)
		return cwd
	}
	return homeDir
}

// NewLogger builds the engine logger on top of an arbitrary writer.
// Trace is enabled so SQL statements reach writers that care about them.
func NewLogger(w io.Writer) zerolog.Logger {
	return zerolog.New(w).Level(zerolog.TraceLevel).With().Timestamp().Logger()
}
