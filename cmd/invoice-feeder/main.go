package main

import (
	"fmt"
	"os"

	"github.com/balanced/invoice-feeder/internal/cli"
)

const usage = `invoice-feeder - turns Balanced invoice events into Billy invoices

Usage:
  invoice-feeder <command> [arguments]

Commands:
  consume          Consume invoice events and create Billy invoices
  feed             Publish event files from a directory to the queue
  create-company   Create a Billy company for a processor key

Run 'invoice-feeder <command> -h' for help on a specific command.`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		return nil
	}

	switch os.Args[1] {
	case "consume":
		return cli.RunConsume(os.Args[2:])
	case "feed":
		return cli.RunFeed(os.Args[2:])
	case "create-company":
		return cli.RunCreateCompany(os.Args[2:], nil)
	case "-h", "--help", "help":
		fmt.Println(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\nRun 'invoice-feeder help' for usage", os.Args[1])
	}
}
