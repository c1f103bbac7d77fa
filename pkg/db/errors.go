package db

import "errors"

// ErrMigrationDownUnsupported is returned by MigrationDown.
var ErrMigrationDownUnsupported = errors.New("migration down not supported: migrations are forward-only, restore from a backup instead")
