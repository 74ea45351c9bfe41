package migrations

import (
	"database/sql"
)

// GetPerformanceMigrations returns performance optimization migrations
func GetPerformanceMigrations() []Migration {
	return []Migration{
		{
			Version: 10,
			Name:    "add_performance_indices",
			Up: func(tx *sql.Tx) error {
				return execAll(tx,
					"CREATE INDEX IF NOT EXISTS idx_vlans_lab_id ON vlans(lab_id)",
					"CREATE INDEX IF NOT EXISTS idx_vlans_network_id ON vlans(network_id)",
					"CREATE INDEX IF NOT EXISTS idx_user_vlans_vlan_id ON user_vlans(vlan_id)",
					"CREATE INDEX IF NOT EXISTS idx_pending_cleanups_open ON pending_cleanups(resolved_at, kind)",
				)
			},
			Down: func(tx *sql.Tx) error {
				return execAll(tx,
					"DROP INDEX IF EXISTS idx_vlans_lab_id",
					"DROP INDEX IF EXISTS idx_vlans_network_id",
					"DROP INDEX IF EXISTS idx_user_vlans_vlan_id",
					"DROP INDEX IF EXISTS idx_pending_cleanups_open",
				)
			},
		},
	}
}
