package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"brosh/internal/classifier"
)

func newClassifyCmd() *cobra.Command {
	var (
		asJSON   bool
		denylist []string
	)
	cmd := &cobra.Command{
		Use:   "classify <line>",
		Short: "Classify a line as a shell command or a natural-language query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			line := strings.Join(args, " ")
			cls := classifier.New(classifier.WithDenylist(denylist))
			res := cls.Classify(cmd.Context(), line)
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%.2f\t%s\t%s\n", res.Kind, res.Confidence, res.Tier, res.Reason)
			if s, ok := classifier.Autocomplete(line); ok {
				fmt.Fprintf(cmd.OutOrStdout(), "autocomplete\t%s\n", s.Suggestion)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.Flags().StringSliceVar(&denylist, "deny", nil, "first words that always classify as commands")
	return cmd
}

func newTypoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "typo <line>",
		Short: "Suggest a correction for a misspelled command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, ok := classifier.New().DetectTypo(strings.Join(args, " "))
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no suggestion")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s (%s)\n", t.Type, t.Original, t.Suggested, t.FullSuggestion)
			return nil
		},
	}
}
