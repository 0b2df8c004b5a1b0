// Package relica provides the database-backed store implementations using the
// Relica query builder.
//
// Relica (github.com/coregx/relica) is a lightweight, type-safe database query
// builder for Go with zero production dependencies.
//
// This package implements:
//   - relimq.MessageStore: delivery-record persistence and state transitions
//   - relimq.TxRunner / relimq.Tx: caller-scoped transactions with
//     after-commit hooks for the outbox publish
//
// Example usage:
//
//	import (
//	    "database/sql"
//	    "github.com/coregx/relimq"
//	    "github.com/coregx/relimq/adapters/relica"
//	    _ "github.com/go-sql-driver/mysql"
//	)
//
//	// Open database connection
//	db, err := sql.Open("mysql", "user:pass@tcp(localhost:3306)/app?parseTime=true")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Create the store (driverName should be "mysql", "postgres", or "sqlite3")
//	store := relica.NewMessageStore(db, "mysql")
//	txRunner := relica.NewTxRunner(db, "mysql")
//
//	sender, err := relimq.NewSender(
//	    relimq.WithSenderStore(store),
//	    relimq.WithSenderBroker(gateway),
//	    relimq.WithSenderLogger(logger),
//	)
package relica
