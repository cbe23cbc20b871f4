package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-bundler/core/bundler"
)

var (
	statusURL = "http://localhost:3000"
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Display bundler status",
		Long:  `Display health and bundling statistics of a running bundler`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(cmd.OutOrStdout(), statusURL)
		},
	}
)

type statusReport struct {
	Health bundler.Health
	Stats  bundler.Stats
}

func fetchStatus(baseURL string) (*statusReport, error) {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetBaseURL(strings.TrimRight(baseURL, "/"))

	report := &statusReport{}

	// /health answers 503 with a body when the bundler is not running
	resp, err := client.R().Get("/health")
	if err != nil {
		return nil, fmt.Errorf("cannot reach bundler at %s: %w", baseURL, err)
	}
	if err := json.Unmarshal(resp.Body(), &report.Health); err != nil {
		return nil, fmt.Errorf("unexpected /health response %d: %w", resp.StatusCode(), err)
	}

	var stats struct {
		Data bundler.Stats `json:"data"`
	}
	resp, err = client.R().SetResult(&stats).Get("/stats")
	if err != nil {
		return nil, fmt.Errorf("cannot reach bundler at %s: %w", baseURL, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("unexpected /stats response %d: %s", resp.StatusCode(), resp.String())
	}
	report.Stats = stats.Data
	return report, nil
}

func printStatus(out io.Writer, baseURL string) error {
	report, err := fetchStatus(baseURL)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Bundler Status Report\n")
	fmt.Fprintf(out, "=====================\n\n")
	fmt.Fprintf(out, "Endpoint: %s\n", baseURL)
	fmt.Fprintf(out, "Health:   %s\n", report.Health.Status)
	fmt.Fprintf(out, "Mode:     %s\n", report.Stats.BundlingMode)
	fmt.Fprintf(out, "Mempool:  %d\n", report.Stats.MempoolSize)
	fmt.Fprintf(out, "Gas:      %s gwei\n\n", report.Stats.CurrentGasPriceGwei)

	printer := pp.New()
	printer.SetOutput(out)
	printer.SetColoringEnabled(false)
	printer.SetExportedOnly(true)
	_, err = printer.Println(report.Stats)
	return err
}

func init() {
	statusCmd.Flags().StringVar(&statusURL, "url", statusURL, "base url of the bundler http server")
	rootCmd.AddCommand(statusCmd)
}
