package config

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

const (
	defaultHistoryDB = "cvs_history.db"

	envClusterFile = "CLUSTER_FILE"
	envStatusAddr  = "CVS_STATUS_ADDR"
	envHistoryDB   = "CVS_HISTORY_DB"
	envLogLevel    = "CVS_LOG_LEVEL"
)

// Config holds application settings loaded from environment variables.
type Config struct {
	ClusterFile string
	// StatusAddr is where the status server listens. Empty disables it.
	StatusAddr string
	HistoryDB  string
	LogLevel   logrus.Level
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		HistoryDB: defaultHistoryDB,
		LogLevel:  logrus.InfoLevel,
	}

	if v := os.Getenv(envClusterFile); v != "" {
		cfg.ClusterFile = v
	}
	if v := os.Getenv(envStatusAddr); v != "" {
		cfg.StatusAddr = v
	}
	if v := os.Getenv(envHistoryDB); v != "" {
		cfg.HistoryDB = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}

	return cfg
}

// ParseLogLevel maps a level name to a logrus level, falling back to info.
func ParseLogLevel(s string) logrus.Level {
	level, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a structured JSON logger writing to w at the given level.
func NewLogger(w io.Writer, level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	l.SetFormatter(&logrus.JSONFormatter{})
	return l
}
