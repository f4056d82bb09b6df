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

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	nurture "github.com/JacobsCounsel/jcllc-backend-sub001"
	"github.com/JacobsCounsel/jcllc-backend-sub001/config"
	"github.com/JacobsCounsel/jcllc-backend-sub001/database"
	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/mailer"
	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/notification"
	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/templates"
)

// Nurture is the CLI application, wrapping the root Cobra command.
type Nurture struct {
	cmd *cobra.Command
}

// nurtureInstance carries the loaded configuration into subcommands. The
// engine is built lazily because migrate must run before the schema exists.
type nurtureInstance struct {
	configFile string
	cnf        *config.Configuration
	engine     *nurture.Engine
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

func preRun(app *nurtureInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(app.configFile); err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		app.cnf = cnf

		if err := notification.InitSentry(cnf.Notification.SentryDSN, cnf.Environment); err != nil {
			logrus.Warnf("sentry disabled: %v", err)
		}
		return nil
	}
}

// setupEngine connects the store, loads the sequence registry and builds
// the mailer and renderer the engine sends with.
func (app *nurtureInstance) setupEngine(ctx context.Context) (*nurture.Engine, error) {
	if app.engine != nil {
		return app.engine, nil
	}

	db, err := database.NewDataSource(app.cnf)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	registry, err := nurture.LoadRegistry(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("error loading sequences: %v", err)
	}
	if registry.Len() == 0 {
		logrus.Warn("no sequences defined; intake will not enroll anyone")
	}

	m, err := mailer.New(app.cnf.Mail)
	if err != nil {
		return nil, fmt.Errorf("error creating mailer: %v", err)
	}

	renderer, err := templates.Load(app.cnf.Templates.Dir)
	if err != nil {
		return nil, fmt.Errorf("error loading templates: %v", err)
	}

	engine, err := nurture.NewEngine(db, registry, m, renderer)
	if err != nil {
		return nil, fmt.Errorf("error creating engine: %v", err)
	}
	nurture.RegisterOperatorWebhooks(engine.Queue())

	app.engine = engine
	return engine, nil
}

func NewCLI() *Nurture {
	app := &nurtureInstance{}

	rootCmd := &cobra.Command{
		Use:   "nurture",
		Short: "Lead nurture automation engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&app.configFile, "config", "./nurture.json", "Configuration file for the nurture engine")
	rootCmd.PersistentPreRunE = preRun(app)

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(sequenceCommands(app))
	rootCmd.AddCommand(configCommands(app))

	return &Nurture{cmd: rootCmd}
}

func (n Nurture) executeCLI() {
	if err := n.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
