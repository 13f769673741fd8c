// Package all registers every sink backend.
package all

import (
	_ "scrapeline/internal/storage/jsonl"
	_ "scrapeline/internal/storage/mssql"
	_ "scrapeline/internal/storage/postgres"
	_ "scrapeline/internal/storage/sqlite"
)
