package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
)

const usage = `banana-mixer forwards image edit and chat requests to AI vendors
behind one response envelope.

Usage:
  banana-mixer <command> [flags]

Commands:
  serve    Start the HTTP server (--config <path> [--port <port>])
  routes   Validate a configuration and print its routing table

Configuration sections:
  server      port, log_level, log_format, metrics
  uploads     max_images, max_image_bytes
  providers   fal and openrouter route image edits, gemini serves chat

Flags:
  -h, --help  Show this help message`

// Execute runs the CLI dispatcher with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return printUsage()
	}

	switch args[0] {
	case "serve":
		return serve(ctx, args[1:])
	case "routes":
		return routes(args[1:], os.Stdout)
	case "help", "-h", "--help":
		return printUsage()
	default:
		return fmt.Errorf("unknown command %q\n\n%s", args[0], usage)
	}
}

func printUsage() error {
	fmt.Println(strings.TrimSpace(usage))
	return nil
}
