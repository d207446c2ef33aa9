package db

import (
	"io/fs"

	"github.com/persistorai/custodian/internal/db/migrations"
)

// SchemaVersion is the number of embedded migration files. Each file bumps
// the version by one, so this is the version a fully migrated database has.
func SchemaVersion() int {
	files, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return 0
	}

	return len(files)
}
