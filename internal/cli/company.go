package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/balanced/invoice-feeder/internal/billing/billy"
)

// RunCreateCompany registers a Billy company for a processor key and writes
// the company record as JSON to out.
func RunCreateCompany(args []string, out io.Writer) error {
	if out == nil {
		out = os.Stdout
	}
	if isHelp(args) {
		fmt.Fprintln(out, `Usage: invoice-feeder create-company --endpoint <url> --processor-key <key>

Creates a Billy company and prints it, including its API key.

Flags:
  --endpoint        Billy API base URL (required)
  --processor-key   Balanced API key of the marketplace (required)`)
		return nil
	}

	endpoint, err := parseStringFlag(args, "--endpoint")
	if err != nil {
		return err
	}
	processorKey, err := parseStringFlag(args, "--processor-key")
	if err != nil {
		return err
	}
	if endpoint == "" {
		return fmt.Errorf("--endpoint flag is required")
	}
	if processorKey == "" {
		return fmt.Errorf("--processor-key flag is required")
	}

	client, err := billy.New(billy.Config{Endpoint: endpoint})
	if err != nil {
		return err
	}
	company, err := client.CreateCompany(context.Background(), processorKey)
	if err != nil {
		return fmt.Errorf("create company: %w", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "    ")
	return enc.Encode(company)
}
