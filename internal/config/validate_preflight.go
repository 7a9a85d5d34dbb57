package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgconn"
)

// validateStorePreflight checks the store location without opening the
// store: the sqlite parent directory must exist or be creatable and the
// postgres DSN must parse.
func validateStorePreflight(store StoreConfig) []string {
	var errs []string
	switch store.Backend {
	case "sqlite":
		dir := filepath.Dir(store.Path)
		info, err := os.Stat(dir)
		switch {
		case err == nil && !info.IsDir():
			errs = append(errs, fmt.Sprintf("store.path: %s is not a directory", dir))
		case err != nil && !os.IsNotExist(err):
			errs = append(errs, fmt.Sprintf("store.path: %v", err))
		case err != nil:
			parent := firstExistingParent(dir)
			if pinfo, perr := os.Stat(parent); perr != nil || !pinfo.IsDir() {
				errs = append(errs, fmt.Sprintf("store.path: cannot create %s below %s", dir, parent))
			}
		}
	case "postgres":
		if _, err := pgconn.ParseConfig(store.DSN); err != nil {
			errs = append(errs, fmt.Sprintf("store.dsn: %v", err))
		}
	}
	return errs
}

func firstExistingParent(dir string) string {
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}
