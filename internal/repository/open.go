package repository

import (
	"fmt"
	"time"
)

// Open connects to the backend named by driver ("sqlite" or "postgres").
func Open(driver, path, url string, claimTTL time.Duration) (Store, error) {
	switch driver {
	case "sqlite":
		db, err := NewSQLiteDB(path, claimTTL)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "postgres":
		db, err := NewPostgresDB(url)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}
