package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"dbconsole-agent/internal/domain"
	"dbconsole-agent/internal/usecase"
)

func newQueryCmd(a *app) *cobra.Command {
	var dataset string
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run canned queries against a mock dataset",
	}
	cmd.PersistentFlags().StringVarP(&dataset, "dataset", "d", "ecommerce", "dataset type")

	run := func(exec func(*usecase.QueryService, usecase.QueryInput) (domain.QueryResult, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			svc, err := a.queryService()
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			res, err := exec(svc, usecase.QueryInput{Dataset: dataset, Text: strings.Join(args, " ")})
			if err != nil {
				return fmt.Errorf("query: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), res)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "nl <question...>",
			Short: "Answer a natural-language question",
			Args:  cobra.MinimumNArgs(1),
			RunE:  run((*usecase.QueryService).NaturalLanguage),
		},
		&cobra.Command{
			Use:   "sql <statement...>",
			Short: "Run a SQL statement",
			Args:  cobra.MinimumNArgs(1),
			RunE:  run((*usecase.QueryService).SQL),
		},
		&cobra.Command{
			Use:   "datasets",
			Short: "List dataset types",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				svc, err := a.queryService()
				if err != nil {
					return fmt.Errorf("query: %w", err)
				}
				for _, t := range svc.Datasets() {
					fmt.Fprintln(cmd.OutOrStdout(), t)
				}
				return nil
			},
		},
	)
	return cmd
}
