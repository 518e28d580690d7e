// Package migrate contains the command to perform triple store migrations.
package migrate

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/koral-rdf/koral/pkg/logger"
	"github.com/koral-rdf/koral/pkg/server/config"
	"github.com/koral-rdf/koral/pkg/storage/sqlite"
)

const (
	datastoreEngineFlag    = "datastore-engine"
	datastoreEngineConf    = "datastore.engine"
	datastoreURIFlag       = "datastore-uri"
	datastoreURIConf       = "datastore.uri"
	versionFlag            = "version"
	timeoutFlag            = "timeout"
	verboseMigrationFlag   = "verbose"
	logFormatFlag          = "log-format"
	logFormatConf          = "log.format"
	logLevelFlag           = "log-level"
	logLevelConf           = "log.level"
	logTimestampFormatFlag = "log-timestamp-format"
	logTimestampFormatConf = "log.timestampFormat"
)

func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run the triple store schema migrations needed by a koral node",
		Long:  `The migrate command is used to migrate the schema of the triple store holding the graph chunk of a node.`,
		RunE:  runMigration,
		Args:  cobra.NoArgs,
	}

	defaultConfig := config.DefaultConfig()
	flags := cmd.Flags()

	flags.String(datastoreEngineFlag, "", "(required) the datastore engine that holds the graph chunk")
	flags.String(datastoreURIFlag, "", "(required) the connection uri of the database to run the migrations against (e.g. 'file:koral.db')")
	flags.Uint(versionFlag, 0, "the version to migrate to (if omitted the latest schema will be used)")
	flags.Duration(timeoutFlag, 1*time.Minute, "a timeout for the time it takes the migrate process to connect to the database")
	flags.Bool(verboseMigrationFlag, false, "enable verbose migration logs (default false)")
	flags.String(logFormatFlag, defaultConfig.Log.Format, "the log format to output logs in")
	flags.String(logLevelFlag, defaultConfig.Log.Level, "the log level to use")
	flags.String(logTimestampFormatFlag, defaultConfig.Log.TimestampFormat, "the timestamp format to use for log messages")

	// NOTE: if you add a new flag here, update the function below, too

	cmd.PreRun = bindRunFlags

	return cmd
}

func runMigration(cmd *cobra.Command, _ []string) error {
	engine := viper.GetString(datastoreEngineConf)
	uri := viper.GetString(datastoreURIConf)
	targetVersion := viper.GetUint(versionFlag)
	timeout := viper.GetDuration(timeoutFlag)
	verbose := viper.GetBool(verboseMigrationFlag)

	switch engine {
	case config.DatastoreEngineMemory:
		log.Println("no migrations to run for `memory` datastore")
		return nil
	case config.DatastoreEngineSQLite:
	case "":
		return fmt.Errorf("missing datastore engine type")
	default:
		return fmt.Errorf("unknown datastore engine type: %s", engine)
	}

	l, err := logger.NewLogger(
		viper.GetString(logFormatConf),
		viper.GetString(logLevelConf),
		viper.GetString(logTimestampFormatConf),
	)
	if err != nil {
		return err
	}

	return sqlite.Migrate(cmd.Context(), sqlite.MigrationConfig{
		URI:           uri,
		TargetVersion: targetVersion,
		Timeout:       timeout,
		Verbose:       verbose,
		Logger:        l,
	})
}
