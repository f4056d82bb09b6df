package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func configCommands(app *nurtureInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "config outputs your instance's computed configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cnf := *app.cnf
			if cnf.Server.SecretKey != "" {
				cnf.Server.SecretKey = "********"
			}
			if cnf.Mail.SMTP.Password != "" {
				cnf.Mail.SMTP.Password = "********"
			}

			data, err := json.MarshalIndent(cnf, "", "    ")
			if err != nil {
				return fmt.Errorf("error printing config: %v", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	return cmd
}
