package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/milestone"
)

type parseOutput struct {
	CleanText string                `json:"clean_text"`
	Milestone *milestone.Milestone  `json:"milestone"`
	All       []milestone.Milestone `json:"all,omitempty"`
}

var parseCmd = &cobra.Command{
	Use:   "parse [text...]",
	Short: "Extract the milestone tag from a tutor reply",
	Long: "Reads a tutor reply from the arguments, or from stdin when none are given,\n" +
		"and prints the cleaned text and the extracted milestone as JSON. Nothing is recorded.",
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		if len(args) == 0 {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			text = string(data)
		}

		result := milestone.Parse(text)
		out := parseOutput{CleanText: result.CleanText, Milestone: result.Milestone}
		if all, _ := cmd.Flags().GetBool("all"); all {
			_, out.All = milestone.ParseAll(text)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	parseCmd.Flags().Bool("all", false, "also list every recognised tag")
}
