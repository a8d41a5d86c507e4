package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/testbrain/testbrain/internal/config"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Ingest documents into the knowledge base",
	Long: `Ingest documents into the knowledge base.

Examples:
  testbrain ingest docs/promotions.md docs/checkout.json
  testbrain ingest --checkout pages/checkout.html docs/*.md
  testbrain ingest --reset docs/promotions.md`,
	RunE: func(cmd *cobra.Command, args []string) error {
		checkout, _ := cmd.Flags().GetString("checkout")
		reset, _ := cmd.Flags().GetBool("reset")

		if len(args) == 0 && checkout == "" {
			return fmt.Errorf("at least one document file or --checkout is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.postFiles(cmd.Context(), "/ingest", args, checkout, reset)
		if err != nil {
			return err
		}

		var result struct {
			Status string `json:"status"`
			Report struct {
				Docs []struct {
					Source string `json:"source"`
					Chunks int    `json:"chunks"`
					Error  string `json:"error"`
				} `json:"docs"`
				ChunksAdded int  `json:"chunks_added"`
				MarkupSaved bool `json:"markup_saved"`
			} `json:"report"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		for _, d := range result.Report.Docs {
			if d.Error != "" {
				printError("%s: %s", d.Source, d.Error)
			} else {
				printStep("%s: %d chunks", d.Source, d.Chunks)
			}
		}
		if result.Report.MarkupSaved {
			printStep("checkout markup stored")
		}

		switch result.Status {
		case "ok":
			printSuccess("Ingested %d chunks", result.Report.ChunksAdded)
		case "partial":
			printWarning("Partial ingest: %d chunks indexed, some documents failed", result.Report.ChunksAdded)
		default:
			printError("Ingest failed for all documents")
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("checkout", "", "checkout page HTML file to store for script generation")
	ingestCmd.Flags().Bool("reset", false, "clear the knowledge base before ingesting")
}

// --- testcases ---

var testcasesCmd = &cobra.Command{
	Use:   "testcases <query>",
	Short: "Generate a grounded test-case table",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		topK, _ := cmd.Flags().GetInt("top-k")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{"query": query}
		if topK > 0 {
			body["top_k"] = topK
		}
		resp, err := client.post(cmd.Context(), "/generate-testcases", body)
		if err != nil {
			return err
		}

		var result struct {
			Table   string `json:"table"`
			Cases   []any  `json:"cases"`
			Context []struct {
				Source string  `json:"source"`
				Score  float32 `json:"score"`
			} `json:"context"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Table)
		for _, c := range result.Context {
			printStep("grounded in %s [score: %.3f]", c.Source, c.Score)
		}
		printSuccess("%d test cases generated", len(result.Cases))
		return nil
	},
}

func init() {
	testcasesCmd.Flags().Int("top-k", 0, "context chunks to retrieve (default from server config)")
}

// --- script ---

var scriptCmd = &cobra.Command{
	Use:   "script <test case description>",
	Short: "Generate a browser automation script for a test case",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		testCase := strings.Join(args, " ")
		topK, _ := cmd.Flags().GetInt("top-k")
		baseURL, _ := cmd.Flags().GetString("base-url")
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{"test_case": testCase}
		if topK > 0 {
			body["top_k"] = topK
		}
		if baseURL != "" {
			body["base_url"] = baseURL
		}
		resp, err := client.post(cmd.Context(), "/generate-script", body)
		if err != nil {
			return err
		}

		var result struct {
			Script     string `json:"script"`
			MarkupName string `json:"markup_name"`
			BaseURL    string `json:"base_url"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if output != "" {
			if err := os.WriteFile(output, []byte(result.Script+"\n"), 0o644); err != nil {
				return fmt.Errorf("writing script: %w", err)
			}
			printSuccess("Script written to %s (page: %s, target: %s)", output, result.MarkupName, result.BaseURL)
			return nil
		}

		fmt.Println(result.Script)
		printSuccess("Script generated (page: %s, target: %s)", result.MarkupName, result.BaseURL)
		return nil
	},
}

func init() {
	scriptCmd.Flags().Int("top-k", 0, "context chunks to retrieve (default from server config)")
	scriptCmd.Flags().String("base-url", "", "target URL substituted into the script")
	scriptCmd.Flags().String("output", "", "write the script to a file instead of stdout")
}

// --- sources ---

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List ingested sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sources")
		if err != nil {
			return err
		}

		var sources []struct {
			Name       string `json:"name"`
			Format     string `json:"format"`
			ChunkCount int    `json:"chunk_count"`
			IngestedAt string `json:"ingested_at"`
		}
		if err := decodeJSON(resp, &sources); err != nil {
			return err
		}

		if len(sources) == 0 {
			fmt.Println("Knowledge base is empty.")
			return nil
		}

		for _, s := range sources {
			fmt.Printf("%s  %-10s  %4d chunks  %s\n",
				colorize(colorBold, fmt.Sprintf("%-30s", s.Name)),
				s.Format,
				s.ChunkCount,
				s.IngestedAt,
			)
		}
		return nil
	},
}

// --- reset ---

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the knowledge base",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete all indexed content and the stored checkout page. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/reset", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Knowledge base cleared")
		return nil
	},
}

func init() {
	resetCmd.Flags().Bool("confirm", false, "confirm knowledge-base reset")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List valid configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(config.ValidKeys())
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configKeysCmd)
}
