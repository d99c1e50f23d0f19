// Package models contains the persistent state of the federation engine.
package models

import (
	"strings"

	"gorm.io/gorm"
)

// forEach runs each fn in order, stopping at the first error.
func forEach(tx *gorm.DB, fns ...func(tx *gorm.DB) error) error {
	for _, fn := range fns {
		if err := fn(tx); err != nil {
			return err
		}
	}
	return nil
}

// enumType returns the column type for a string enum with the given values.
func enumType(db *gorm.DB, values ...string) string {
	switch db.Dialector.Name() {
	case "mysql":
		return "enum('" + strings.Join(values, "', '") + "')"
	case "sqlite":
		return "TEXT"
	default:
		return ""
	}
}
