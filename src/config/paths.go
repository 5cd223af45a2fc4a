package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

// StoragePaths contains the default locations for conversation storage.
type StoragePaths struct {
	DatabasePath string
	FileStoreDir string
}

// GetDefaultStoragePaths returns storage paths under XDG_STATE_HOME.
func GetDefaultStoragePaths() StoragePaths {
	return StoragePaths{
		DatabasePath: filepath.Join(xdg.StateHome, "wayfarer", "conversations.db"),
		FileStoreDir: filepath.Join(xdg.StateHome, "wayfarer", "conversations"),
	}
}

// GetDefaultCachePath returns the cache directory path.
func GetDefaultCachePath() string {
	return filepath.Join(xdg.CacheHome, "wayfarer")
}
