// Package mysql provides the MySQL-backed persistence layer. It owns the
// shared connection pool, applies the embedded schema migrations, and
// implements the order and permission stores on top of conditional UPDATE
// statements so state transitions survive concurrent writers.
package mysql
