package models

import (
	"golang.org/x/exp/slog"
	"gorm.io/gorm"
)

// Env is the environment shared by the federation components.
type Env struct {
	// DB is the database connection.
	DB     *gorm.DB
	Logger *slog.Logger
}

// Log returns the environment's logger, or the default logger if none is set.
func (e *Env) Log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}
