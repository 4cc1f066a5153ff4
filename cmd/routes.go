package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"banana-mixer/internal/config"
	"banana-mixer/internal/provider"
	providerfactory "banana-mixer/internal/provider/factory"
)

const routesUsage = `Usage:
  banana-mixer routes --config <path>

Flags:
  --config string   Path to YAML configuration file (required)`

// routes validates the configuration and prints the routing table in match order.
func routes(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("routes", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, routesUsage)
	}

	var cfgPath string
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse routes flags: %w", err)
	}
	if cfgPath == "" {
		return errors.New("routes command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	registry := provider.NewRegistry()
	if err := providerfactory.RegisterConfiguredProviders(cfg, registry); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tPREFIXES\tCONTAINS\tDEFAULT MODEL")
	for _, r := range registry.Routes() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Provider, listOrDash(r.Prefixes), listOrDash(r.Contains), r.DefaultModel)
	}
	if gm := cfg.Providers.Gemini; gm != nil {
		fmt.Fprintf(tw, "gemini (chat)\t-\t-\t%s\n", gm.DefaultModel)
	}
	return tw.Flush()
}

func listOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ",")
}
