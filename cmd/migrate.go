/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package main provides the CLI commands for the nurture engine.
This file holds the commands for applying and rolling back migrations.
*/

package main

import (
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	nurture "github.com/JacobsCounsel/jcllc-backend-sub001"
	"github.com/JacobsCounsel/jcllc-backend-sub001/database"
)

func migrateCommands(app *nurtureInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "run nurture schema migrations",
	}

	cmd.AddCommand(migrateDirectionCommand(app, "up", migrate.Up))
	cmd.AddCommand(migrateDirectionCommand(app, "down", migrate.Down))

	return cmd
}

func migrateDirectionCommand(app *nurtureInstance, use string, direction migrate.MigrationDirection) *cobra.Command {
	return &cobra.Command{
		Use: use,
		RunE: func(cmd *cobra.Command, args []string) error {
			migrations := migrate.EmbedFileSystemMigrationSource{
				FileSystem: nurture.SQLFiles,
				Root:       "sql",
			}

			db, err := database.ConnectDB(app.cnf.DataSource.Dns)
			if err != nil {
				return fmt.Errorf("error connecting to database: %v", err)
			}
			defer db.Close()

			// The migrations table lives in the nurture schema, so it has to
			// exist before the first migration runs and outlive the last down.
			if _, err := db.Exec(`CREATE SCHEMA IF NOT EXISTS nurture`); err != nil {
				return fmt.Errorf("error creating schema: %v", err)
			}
			migrate.SetSchema("nurture")

			n, err := migrate.Exec(db, "postgres", migrations, direction)
			if err != nil {
				return fmt.Errorf("error migrating %s: %v", use, err)
			}
			logrus.Infof("Applied %d migrations (%s)", n, use)
			return nil
		},
	}
}
