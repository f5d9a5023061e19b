package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/answer-engine-crawler/internal/crawler"
	"github.com/JakeFAU/answer-engine-crawler/internal/issuer"
)

func newSubmitCmd() *cobra.Command {
	var (
		req         issuer.SubmitRequest
		queries     []string
		queriesFile string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a query batch for one engine",
		Example: `  answercrawler submit --engine perplexity --query "best crm for startups"
  answercrawler submit --engine chatgpt --queries-file prompts.txt --screenshot`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if queriesFile != "" {
				fromFile, err := readQueriesFile(queriesFile)
				if err != nil {
					return err
				}
				queries = append(queries, fromFile...)
			}
			for _, text := range queries {
				req.Queries = append(req.Queries, crawler.Query{QueryText: text})
			}
			task, err := a.Issuer.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), task)
		},
	}
	cmd.Flags().StringVar(&req.Engine, "engine", "", "engine to query (chatgpt, perplexity, gemini, copilot, claude)")
	cmd.Flags().StringVar(&req.AccountID, "account", "", "account whose saved session is used")
	cmd.Flags().StringVar(&req.RunID, "run-id", "", "run identifier shared by related tasks")
	cmd.Flags().StringArrayVar(&queries, "query", nil, "query text; repeat for a batch")
	cmd.Flags().StringVar(&queriesFile, "queries-file", "", "file with one query per line")
	cmd.Flags().BoolVar(&req.TakeScreenshot, "screenshot", false, "store a screenshot per query")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "higher runs first when requeued")
	_ = cmd.MarkFlagRequired("engine")
	return cmd
}

func readQueriesFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open queries file: %w", err)
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read queries file: %w", err)
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
