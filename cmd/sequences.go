package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	nurture "github.com/JacobsCounsel/jcllc-backend-sub001"
	"github.com/JacobsCounsel/jcllc-backend-sub001/database"
	"github.com/JacobsCounsel/jcllc-backend-sub001/model"
)

// mergeDefinitions overlays incoming definitions on the stored set by id.
func mergeDefinitions(stored, incoming []model.Sequence) []model.Sequence {
	byID := make(map[string]int, len(stored))
	merged := append([]model.Sequence{}, stored...)
	for i, seq := range merged {
		byID[seq.SequenceID] = i
	}
	for _, seq := range incoming {
		if i, ok := byID[seq.SequenceID]; ok {
			merged[i] = seq
			continue
		}
		byID[seq.SequenceID] = len(merged)
		merged = append(merged, seq)
	}
	return merged
}

func readDefinitions(path string) ([]model.Sequence, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var defs []model.Sequence
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return defs, nil
}

func sequenceCommands(app *nurtureInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sequences",
		Short: "manage sequence definitions",
	}

	load := &cobra.Command{
		Use:   "load [file.json]",
		Short: "validate and store sequence definitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			defs, err := readDefinitions(args[0])
			if err != nil {
				return err
			}

			db, err := database.NewDataSource(app.cnf)
			if err != nil {
				return err
			}
			stored, err := db.GetAllSequences(ctx)
			if err != nil {
				return err
			}

			// The whole set must stay valid: move targets may point at
			// definitions that are already stored.
			if _, err := nurture.NewRegistry(mergeDefinitions(stored, defs)); err != nil {
				return err
			}

			for _, seq := range defs {
				if err := db.SaveSequence(ctx, seq); err != nil {
					return fmt.Errorf("save %s: %w", seq.SequenceID, err)
				}
				logrus.Infof("stored sequence %s (%d emails)", seq.SequenceID, len(seq.Emails))
			}
			logrus.Info("restart running servers to pick up the new definitions")
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "print the stored sequence definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.NewDataSource(app.cnf)
			if err != nil {
				return err
			}
			registry, err := nurture.LoadRegistry(cmd.Context(), db)
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(registry.All(), "", "    ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}

	cmd.AddCommand(load, list)
	return cmd
}
