package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ekho-app/ekho/am"
	"github.com/ekho-app/ekho/db"
	"github.com/ekho-app/ekho/errors"
	"github.com/ekho-app/ekho/logger"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the ekho database",
	Long: `db - Manage the SQLite database holding history, profiles and analytics

Examples:
  ekho db migrate              # Apply pending migrations
  ekho db migrate --path x.db  # ... to a specific file`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbPathFlag string

func init() {
	dbMigrateCmd.Flags().StringVar(&dbPathFlag, "path", "", "Database path (overrides database.path)")
	DbCmd.AddCommand(dbMigrateCmd)
}

// resolveDBPath picks --path over database.path
func resolveDBPath(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	cfg, err := am.Load()
	if err != nil {
		return "", errors.Wrap(err, "failed to load config")
	}
	if cfg.Database.Path == "" {
		return "", errors.New("database.path is not set")
	}
	return cfg.Database.Path, nil
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	path, err := resolveDBPath(dbPathFlag)
	if err != nil {
		return err
	}
	conn, err := db.OpenAndMigrate(path, logger.ComponentLogger("db"))
	if err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}
	defer conn.Close()

	applied, err := db.AppliedVersions(conn)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("Database %s is at version %s (%d migrations applied)", path, lastOf(applied), len(applied))
	return nil
}

func lastOf(versions []string) string {
	if len(versions) == 0 {
		return "none"
	}
	return versions[len(versions)-1]
}
