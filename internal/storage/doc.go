// Package storage persists delivery records: the last known status and
// message handle for each (alert key, destination) pair.
//
// Drivers:
//   - memory:   process-local map, for tests and local runs
//   - file:     snapshot + JSON Lines journal, no external dependencies
//   - sqlite:   single database file (modernc.org/sqlite, pure Go)
//   - postgres: shared database via gorm
//   - dynamodb: AWS DynamoDB table with (alert_key, destination) composite key
package storage
