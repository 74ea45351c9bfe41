package migrations

import (
	"database/sql"
)

// execAll runs statements in order and stops at the first failure
func execAll(tx *sql.Tx, statements ...string) error {
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// GetInitialMigrations returns the ledger table migrations
func GetInitialMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_vlan_ledger_tables",
			Up: func(tx *sql.Tx) error {
				return execAll(tx,
					`CREATE TABLE vlans (
						vlan_id INTEGER PRIMARY KEY CHECK (vlan_id > 0),
						lab_id TEXT NOT NULL,
						owner_id TEXT NOT NULL,
						network_id TEXT NOT NULL DEFAULT '',
						cidr TEXT NOT NULL,
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						UNIQUE (owner_id, lab_id)
					)`,
					`CREATE TABLE users (
						user_id TEXT PRIMARY KEY,
						active_vlan INTEGER UNIQUE,
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						FOREIGN KEY (active_vlan) REFERENCES vlans(vlan_id) ON DELETE SET NULL
					)`,
					`CREATE TABLE user_vlans (
						user_id TEXT NOT NULL,
						vlan_id INTEGER NOT NULL,
						PRIMARY KEY (user_id, vlan_id),
						FOREIGN KEY (user_id) REFERENCES users(user_id) ON DELETE CASCADE,
						FOREIGN KEY (vlan_id) REFERENCES vlans(vlan_id) ON DELETE CASCADE
					)`,
				)
			},
			Down: func(tx *sql.Tx) error {
				// Drop tables in reverse order due to foreign key constraints
				return execAll(tx,
					`DROP TABLE IF EXISTS user_vlans`,
					`DROP TABLE IF EXISTS users`,
					`DROP TABLE IF EXISTS vlans`,
				)
			},
		},
		{
			Version: 2,
			Name:    "create_pending_cleanups_table",
			Up: func(tx *sql.Tx) error {
				return execAll(tx,
					`CREATE TABLE pending_cleanups (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						kind TEXT NOT NULL,
						resource_id TEXT NOT NULL,
						vlan_id INTEGER NOT NULL DEFAULT 0,
						user_id TEXT NOT NULL DEFAULT '',
						lab_id TEXT NOT NULL DEFAULT '',
						step TEXT NOT NULL DEFAULT '',
						reason TEXT NOT NULL DEFAULT '',
						created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
						resolved_at DATETIME
					)`,
				)
			},
			Down: func(tx *sql.Tx) error {
				return execAll(tx, `DROP TABLE IF EXISTS pending_cleanups`)
			},
		},
	}
}
