package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func emitCmd() *cobra.Command {
	var organisationID string

	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Run one emission pass and print the summary as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildServices(cmd.Context(), commandLogger(cmd))
			if err != nil {
				return err
			}
			defer svc.Close()

			summary, err := svc.emission.Run(cmd.Context(), organisationID)
			if err != nil {
				return err
			}

			return writeJSON(cmd, summary)
		},
	}

	cmd.Flags().StringVar(&organisationID, "organisation", "", "only emit schedules of this organisation")
	return cmd
}

func planCmd() *cobra.Command {
	var organisationID string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the schedules the next emission would submit, without submitting",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildServices(cmd.Context(), commandLogger(cmd))
			if err != nil {
				return err
			}
			defer svc.Close()

			plan, err := svc.emission.DryRun(cmd.Context(), organisationID)
			if err != nil {
				return err
			}

			return writeJSON(cmd, plan)
		},
	}

	cmd.Flags().StringVar(&organisationID, "organisation", "", "only plan schedules of this organisation")
	return cmd
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
