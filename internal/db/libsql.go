//go:build cgo && (linux || darwin) && (amd64 || arm64)

package db

import (
	_ "github.com/tursodatabase/go-libsql"
)

// libSQL is only linked into cgo builds; go-libsql ships prebuilt static
// libraries for these platforms.
func init() {
	dialects[DriverLibSQL] = dialect{
		sqlDriver: "libsql",
		idColumn:  "id INTEGER PRIMARY KEY AUTOINCREMENT",
	}
}
