// Command migrator applies and inspects the mirage database schema.
//
// It is a thin CLI shell around the migrations package: all embedding,
// validation, and golang-migrate wiring lives there so that other tools
// (the test harness, a future admin command) can drive the same runner
// without shelling out to this binary.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/mirage-run/mirage/migrations"
)

// Build-time information variables (set via -ldflags during compilation).
//
//nolint:gochecknoglobals // required for build-time version injection via -ldflags -X
var (
	version = "1.0.0-dev"
	name    = "migrator"
)

func main() {
	var (
		configHelp  = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
		force       = flag.Bool("force", false, "Force dangerous operations without confirmation")
	)
	flag.Parse()

	if *showVersion {
		printVersionInfo()
		os.Exit(0)
	}

	if *configHelp {
		printUsage()
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	command := args[0]

	config, err := migrations.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	runner, err := migrations.NewMigrationRunner(config)
	if err != nil {
		log.Fatalf("Failed to create migration runner: %v", err)
	}

	defer func() {
		_ = runner.Close()
	}()

	if err := migrations.ExecuteCommand(command, runner, *force); err != nil {
		log.Printf("Migration failed: %v\n", err)
		os.Exit(1)
	}
}

// printVersionInfo displays version and embedded schema information.
func printVersionInfo() {
	maxVersion := migrations.NewEmbeddedMigration(nil).MaxSequence()

	log.Printf("%s v%s", name, version)
	log.Printf("Max Schema Version: v%03d", maxVersion)
	log.Printf("Database Migration Tool for mirage")
}

// printUsage displays usage information.
func printUsage() {
	log.Printf(`%s v%s - Database Migration Tool for mirage

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up      Apply all pending migrations
    down    Rollback the last migration
    status  Show migration status
    version Show current migration version
    drop    Drop all tables (DESTRUCTIVE - requires --force flag)

OPTIONS:
    --help     Show this help message
    --version  Show version information
    --force    Force dangerous operations without confirmation

ENVIRONMENT VARIABLES:
    DATABASE_URL    PostgreSQL connection string (REQUIRED)

    MIGRATION_TABLE Name of migration tracking table
                   (default: schema_migrations)

EXAMPLES:
    %s up                    # Apply all pending migrations
    %s status               # Show current migration status
    %s down                 # Rollback last migration
    %s --force drop         # Drop all tables (DESTRUCTIVE)
    %s --version           # Show version information
`, name, version, name, name, name, name, name, name)
}
