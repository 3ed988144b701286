// markerscan lists the markers found on unit files below one or more roots.
//
//	markerscan -m com.example.Entity --on type,method build/classes app.jar
//
// Matches go to stdout, one per line or as a JSON document with --format
// json. Logs and the closing summary go to stderr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/resource"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/internal/scanner/unit"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Marker-Scan-Platform/pkg/logger"
)

type cliOptions struct {
	configPath string
	format     string
	logLevel   string
	markers    []string
	kinds      []string
	packages   []string
	exclude    []string
	workers    int
	timeout    time.Duration
	roots      []string
	help       bool

	workersSet bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "markerscan: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string, stderr io.Writer) (*cliOptions, error) {
	opts := &cliOptions{}
	fs := pflag.NewFlagSet("markerscan", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "path to config file")
	fs.StringSliceVarP(&opts.markers, "marker", "m", nil, "marker type to look for (repeatable, dotted name)")
	fs.StringSliceVar(&opts.kinds, "on", nil, "element kinds to report: type, field, method, constructor")
	fs.StringSliceVarP(&opts.packages, "package", "p", nil, "only scan below these dotted package prefixes")
	fs.StringSliceVar(&opts.exclude, "exclude", nil, "skip entries whose path contains any of these substrings")
	fs.IntVar(&opts.workers, "workers", 1, "decode on this many goroutines")
	fs.DurationVar(&opts.timeout, "timeout", 0, "abort the scan after this long (0 means no limit)")
	fs.StringVar(&opts.format, "format", "text", "output format: text or json")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.BoolVarP(&opts.help, "help", "h", false, "show help")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.help {
		fmt.Fprintln(stderr, "Usage: markerscan [flags] <root>...")
		fs.PrintDefaults()
		return opts, nil
	}
	switch opts.format {
	case "text", "json":
	default:
		return nil, fmt.Errorf("unknown format %q (want text or json)", opts.format)
	}
	opts.workersSet = fs.Changed("workers")
	opts.roots = fs.Args()
	return opts, nil
}

// resolve fills anything not given on the command line from the config
// file and MS_* environment.
func (o *cliOptions) resolve(cfg *config.Config) (scanner.Options, error) {
	roots := o.roots
	if len(roots) == 0 {
		roots = cfg.Scan.Roots
	}
	markers := o.markers
	if len(markers) == 0 {
		markers = cfg.Scan.Markers
	}
	kindNames := o.kinds
	if len(kindNames) == 0 {
		kindNames = cfg.Scan.Kinds
	}
	packages := o.packages
	if len(packages) == 0 {
		packages = cfg.Scan.Packages
	}
	workers := cfg.Scan.Workers
	if o.workersSet {
		workers = o.workers
	}

	kinds := make([]unit.ElementKind, 0, len(kindNames))
	for _, name := range kindNames {
		k, err := unit.ParseKind(name)
		if err != nil {
			return scanner.Options{}, err
		}
		kinds = append(kinds, k)
	}

	opts := scanner.Options{
		Roots:       roots,
		Packages:    packages,
		Markers:     markers,
		Kinds:       kinds,
		Workers:     workers,
		MaxUnitSize: cfg.Scan.MaxUnitSize,
		Logger:      logger.WithComponent("markerscan"),
	}
	if exclude := append(append([]string(nil), cfg.Scan.Exclude...), o.exclude...); len(exclude) > 0 {
		opts.Filter = resource.ExcludeSubstrings(exclude...)
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.help {
		return nil
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	level := cfg.Logging.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logger.SetupWriter(stderr, level, "text")

	scanOpts, err := opts.resolve(cfg)
	if err != nil {
		return err
	}
	s, err := scanner.New(scanOpts)
	if err != nil {
		return err
	}

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	switch opts.format {
	case "json":
		matches, err := scanner.Collect(ctx, s, func(m unit.Match) unit.Match { return m })
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{"matches": matches, "stats": s.Stats()}); err != nil {
			return fmt.Errorf("writing results: %w", err)
		}
	default:
		var writeErr error
		err := s.Report(ctx, scanner.ReporterFunc(func(m unit.Match) {
			if writeErr == nil {
				_, writeErr = fmt.Fprintln(stdout, m.String())
			}
		}))
		if err != nil {
			return err
		}
		if writeErr != nil {
			return fmt.Errorf("writing results: %w", writeErr)
		}
	}

	stats := s.Stats()
	fmt.Fprintf(stderr, "scanned %d resources (%d units, %d failed): %d matches in %v\n",
		stats.Resources, stats.Units, stats.Failures(), stats.Matches, stats.Duration.Round(time.Millisecond))
	return nil
}
