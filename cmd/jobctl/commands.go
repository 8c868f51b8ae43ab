package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"printforge/internal/job"
)

var (
	submitResourceKey string
	submitProvider    string
	submitParams      string
	submitMaxRetries  int
	listLimit         int
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job (answers immediately when the result cache has it)",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := job.SubmitRequest{
			ResourceKey: submitResourceKey,
			Provider:    submitProvider,
			MaxRetries:  submitMaxRetries,
		}
		if submitParams != "" {
			req.Params = json.RawMessage(submitParams)
		}
		body, err := json.Marshal(req)
		if err != nil {
			return err
		}

		var resp job.SubmitResponse
		if err := do(http.MethodPost, "/v1/jobs", body, &resp); err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <jobID>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var j job.Job
		if err := do(http.MethodGet, "/v1/jobs/"+args[0], nil, &j); err != nil {
			return err
		}
		printJSON(j)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp job.ListResponse
		if err := do(http.MethodGet, fmt.Sprintf("/v1/jobs?limit=%d", listLimit), nil, &resp); err != nil {
			return err
		}
		for _, j := range resp.Jobs {
			fmt.Printf("%s  %-10s  %-8s  retries=%d/%d  %s\n",
				j.ID, j.Status, j.Provider, j.RetryCount, j.MaxRetries, j.ResourceKey)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <jobID>",
	Short: "Stream job updates until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet,
			strings.TrimRight(serverURL, "/")+"/v1/jobs/"+args[0]+"/events", nil)
		if err != nil {
			return err
		}
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}

		// No client timeout: the stream stays open until the job finishes.
		resp, err := http.DefaultTransport.RoundTrip(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var j job.Job
			if err := json.Unmarshal([]byte(line[len("data: "):]), &j); err != nil {
				return err
			}
			fmt.Printf("%s  %-10s  %s\n", j.UpdatedAt.Format("15:04:05"), j.Status, j.ErrorMessage)
			if j.Status.Terminal() {
				if j.OutputURL != "" {
					fmt.Println(j.OutputURL)
				}
				return nil
			}
		}
		return scanner.Err()
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitResourceKey, "resource-key", "", "Resource the work is for (required)")
	submitCmd.Flags().StringVar(&submitProvider, "provider", "", "Provider to run the job (required)")
	submitCmd.Flags().StringVar(&submitParams, "params", "", "Input params as a JSON document")
	submitCmd.Flags().IntVar(&submitMaxRetries, "max-retries", 0, "Retry budget (0 uses the server default)")
	submitCmd.MarkFlagRequired("resource-key")
	submitCmd.MarkFlagRequired("provider")

	listCmd.Flags().IntVar(&listLimit, "limit", 50, "Max rows")

	rootCmd.AddCommand(submitCmd, getCmd, listCmd, watchCmd)
}
