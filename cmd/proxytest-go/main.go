package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/August26/proxytest-go/internal/analytics"
	"github.com/August26/proxytest-go/internal/app"
	"github.com/August26/proxytest-go/internal/config"
	"github.com/August26/proxytest-go/internal/logging"
	"github.com/August26/proxytest-go/internal/model"
	"github.com/August26/proxytest-go/internal/output"
	"github.com/August26/proxytest-go/internal/parser"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "test":
		err = runTest(os.Args[2:])
	case "batch":
		err = runBatch(os.Args[2:])
	case "urls":
		err = runURLs(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "gen-config":
		err = runGenConfig(os.Args[2:])
	case "version":
		fmt.Printf("proxytest-go v%s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Printf("usage: %s <command> [flags]\n\n", os.Args[0])
	fmt.Println("commands:")
	fmt.Println("  test <proxy>     test one proxy against --test-url")
	fmt.Println("  batch            test every proxy in --input")
	fmt.Println("  urls <proxy>     test one proxy against the targets in --targets")
	fmt.Println("  validate <proxy> check a proxy without connecting")
	fmt.Println("  serve            run the HTTP API")
	fmt.Println("  gen-config       write a default config file")
	fmt.Println("  version          print the version")
	fmt.Println()
	fmt.Println("run '<command> --help' for flags")
}

// env is what every command gets after flags and config are loaded.
type env struct {
	flags  *pflag.FlagSet
	cfg    *config.Config
	viper  *viper.Viper
	logger *slog.Logger
	level  *slog.LevelVar
	fs     afero.Fs
}

// setup parses args for the named command. extra registers command
// specific flags.
func setup(name string, args []string, extra func(*pflag.FlagSet)) (*env, error) {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to YAML config file")
	config.RegisterFlags(flags)
	if extra != nil {
		extra(flags)
	}
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	fs := afero.NewOsFs()
	cfg, v, err := config.Load(fs, *configPath, flags)
	if err != nil {
		return nil, err
	}
	logger, level := logging.New(os.Stderr, cfg.Log.Verbose, cfg.Log.Format)
	return &env{flags: flags, cfg: cfg, viper: v, logger: logger, level: level, fs: fs}, nil
}

func (e *env) defaultType() model.ProxyType {
	t, _ := model.ParseProxyType(e.cfg.Checker.DefaultType)
	return t
}

func (e *env) proxyArg() (model.ProxyCredential, error) {
	if e.flags.NArg() != 1 {
		return model.ProxyCredential{}, errors.New("exactly one proxy argument is required")
	}
	return parser.ParseLine(e.flags.Arg(0), e.defaultType())
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runTest(args []string) error {
	e, err := setup("test", args, nil)
	if err != nil {
		return err
	}
	cred, err := e.proxyArg()
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := app.New(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	target := model.TestTarget{URL: e.cfg.Checker.TestURL}
	res := a.Tester.Test(ctx, cred, target)

	item := model.BatchItem{Proxy: cred.Masked(), Target: target, Result: res}
	if err := a.Store.Save(context.WithoutCancel(ctx), uuid.NewString(), []model.BatchItem{item}); err != nil {
		e.logger.Error("failed to store result", "err", err)
	}
	return output.WriteJSON(os.Stdout, res)
}

func runBatch(args []string) error {
	var input, outPath, format, targetsPath string
	var quiet bool
	e, err := setup("batch", args, func(fs *pflag.FlagSet) {
		fs.StringVarP(&input, "input", "i", "", "path to file with proxy list (required)")
		fs.StringVarP(&outPath, "output", "o", "", "optional path to write results")
		fs.StringVarP(&format, "format", "f", output.FormatJSON, "output format: json | csv | yaml")
		fs.StringVar(&targetsPath, "targets", "", "YAML list of targets; default is --test-url")
		fs.BoolVarP(&quiet, "quiet", "q", false, "skip the results table")
	})
	if err != nil {
		return err
	}
	if input == "" {
		return errors.New("--input is required")
	}

	proxies, err := parser.LoadFromFile(e.fs, input, e.defaultType())
	if err != nil {
		return err
	}
	targets := []model.TestTarget{{URL: e.cfg.Checker.TestURL}}
	if targetsPath != "" {
		named, err := parser.LoadURLTargets(e.fs, targetsPath)
		if err != nil {
			return err
		}
		targets = targets[:0]
		for _, t := range named {
			targets = append(targets, t.Target())
		}
	}

	e.logger.Info("starting batch",
		"proxies", len(proxies),
		"targets", len(targets),
		"concurrency", e.cfg.Batch.Concurrency,
		"delay", e.cfg.Batch.Delay,
		"retries", e.cfg.Batch.Retries,
	)

	ctx, stop := signalContext()
	defer stop()

	a, err := app.New(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	report := a.Runner.RunBatch(ctx, proxies, targets)
	stats := analytics.Breakdown(report.Items, time.Since(start))

	e.logger.Info("batch finished",
		"batch_id", report.ID,
		"total_ms", stats.TotalProcessingTimeMs,
		"successful", report.Summary.Successful,
		"total", report.Summary.Total,
		"canceled", report.Canceled,
	)

	if err := a.Store.Save(context.WithoutCancel(ctx), report.ID, report.Items); err != nil {
		e.logger.Error("failed to store results", "err", err)
	}

	if !quiet {
		output.PrintResultsTable(os.Stdout, report.Items)
	}
	output.PrintSummary(os.Stdout, report.Summary, stats)

	if outPath != "" {
		if err := output.WriteFile(e.fs, outPath, format, report, stats); err != nil {
			return fmt.Errorf("failed to write output file %s: %w", outPath, err)
		}
		e.logger.Info("results written", "path", outPath, "format", format)
	}
	return nil
}

func runURLs(args []string) error {
	var targetsPath string
	e, err := setup("urls", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&targetsPath, "targets", "", "YAML list of targets (required)")
	})
	if err != nil {
		return err
	}
	if targetsPath == "" {
		return errors.New("--targets is required")
	}
	cred, err := e.proxyArg()
	if err != nil {
		return err
	}
	urls, err := parser.LoadURLTargets(e.fs, targetsPath)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := app.New(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	report := a.Runner.RunForProxy(ctx, cred, urls)
	return output.WriteJSON(os.Stdout, report)
}

func runValidate(args []string) error {
	e, err := setup("validate", args, nil)
	if err != nil {
		return err
	}
	if e.flags.NArg() != 1 {
		return errors.New("exactly one proxy argument is required")
	}

	res := model.ValidationResult{Valid: false}
	cred, err := parser.ParseLine(e.flags.Arg(0), e.defaultType())
	if err != nil {
		res.Error = fmt.Sprintf("%s: %v", model.ErrInvalidProxy, err)
	} else {
		res = model.ValidateProxy(cred)
	}
	if err := output.WriteJSON(os.Stdout, res); err != nil {
		return err
	}
	if !res.Valid {
		os.Exit(2)
	}
	return nil
}

func runServe(args []string) error {
	e, err := setup("serve", args, nil)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := app.New(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if e.viper.ConfigFileUsed() != "" {
		config.Watch(e.viper, func(cfg *config.Config, err error) {
			if err != nil {
				e.logger.Warn("config reload rejected", "err", err)
				return
			}
			logging.SetVerbose(e.level, cfg.Log.Verbose)
			e.logger.Info("config reloaded", "verbose", cfg.Log.Verbose)
		})
	}

	return a.Server().Run(ctx)
}

func runGenConfig(args []string) error {
	flags := pflag.NewFlagSet("gen-config", pflag.ContinueOnError)
	if err := flags.Parse(args); err != nil {
		return err
	}
	path := "proxytest.yaml"
	if flags.NArg() > 0 {
		path = flags.Arg(0)
	}
	if err := config.WriteTemplate(afero.NewOsFs(), path); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
