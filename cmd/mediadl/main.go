package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"media-downloader/internal/bootstrap"
	"media-downloader/internal/config"
	"media-downloader/internal/console"
	"media-downloader/internal/domain"
	"media-downloader/internal/download"
	"media-downloader/internal/server"
)

const usage = `usage: mediadl <command> [flags]

commands:
  serve                       run the local HTTP and WebSocket API
  download [-format F] URL    download URL as video (mp4) or audio (mp3)
  info URL                    print title, duration and thumbnail
  settings [flags]            show or update persisted settings
  doctor [-fix]               check tool and output folder health
  tools [-download ID]        list or install tool releases
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1], os.Args[2:], os.Stdout)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, command string, args []string, out io.Writer) int {
	if command == "help" || command == "-h" || command == "--help" {
		fmt.Fprint(out, usage)
		return 0
	}

	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load environment: %v\n", err)
		return 1
	}
	logger, err := bootstrap.NewLogger(env.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	app, err := bootstrap.New(env, logger)
	if err != nil {
		logger.Error("bootstrap app", zap.Error(err))
		return 1
	}

	switch command {
	case "serve":
		err = serve(ctx, app, env, logger)
	case "download":
		return downloadCmd(ctx, app, args, out)
	case "info":
		err = infoCmd(ctx, app, args, out)
	case "settings":
		err = settingsCmd(ctx, app, args, out)
	case "doctor":
		return doctorCmd(ctx, app, args, out)
	case "tools":
		err = toolsCmd(ctx, app, args, out)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		return 2
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, app *bootstrap.App, env *config.Env, logger *zap.Logger) error {
	if env.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := server.New(app, server.Options{
		Addr:           env.ListenAddr,
		AllowedOrigins: env.AllowedOrigins,
		AllowedHosts:   env.AllowedHosts,
		Logger:         logger,
	})
	return srv.Run(ctx)
}

func downloadCmd(ctx context.Context, app *bootstrap.App, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	formatFlag := fs.String("format", "", "video or audio (default from settings)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "download: exactly one URL is required")
		return 2
	}

	var format domain.OutputFormat
	if *formatFlag != "" {
		parsed, err := domain.ParseOutputFormat(*formatFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "download: %v\n", err)
			return 2
		}
		format = parsed
	}

	settings, err := app.GetSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "download: %v\n", err)
		return 1
	}

	sink := console.NewSink(out, fs.Arg(0), download.MessagesFor(settings.Language), nil)
	outcome, err := app.RunDownload(ctx, fs.Arg(0), format, sink)
	if err != nil {
		fmt.Fprintf(os.Stderr, "download: %v\n", err)
		if errors.Is(err, download.ErrInvalidRequest) {
			return 2
		}
		return 1
	}
	sink.Finish(outcome)

	switch outcome.Status {
	case domain.SessionCompleted:
		return 0
	case domain.SessionCancelled:
		return 130
	default:
		return 1
	}
}

func infoCmd(ctx context.Context, app *bootstrap.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("exactly one URL is required")
	}

	meta, err := app.FetchMetadata(ctx, fs.Arg(0))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Title:\t%s\n", meta.Title)
	fmt.Fprintf(tw, "Duration:\t%s\n", meta.Duration)
	fmt.Fprintf(tw, "Thumbnail:\t%s\n", meta.ThumbnailURL)
	return tw.Flush()
}

func settingsCmd(ctx context.Context, app *bootstrap.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("settings", flag.ContinueOnError)
	outputDir := fs.String("output", "", "default output folder")
	formatFlag := fs.String("format", "", "default format: video or audio")
	language := fs.String("lang", "", "message language: en or de")
	if err := fs.Parse(args); err != nil {
		return err
	}

	settings, err := app.GetSettings()
	if err != nil {
		return err
	}

	changed := false
	if *outputDir != "" {
		settings.OutputDir = *outputDir
		changed = true
	}
	if *formatFlag != "" {
		format, err := domain.ParseOutputFormat(*formatFlag)
		if err != nil {
			return err
		}
		settings.Format = format
		changed = true
	}
	if *language != "" {
		settings.Language = *language
		changed = true
	}
	if changed {
		if settings, err = app.SaveSettings(ctx, settings); err != nil {
			return err
		}
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Output folder:\t%s\n", settings.OutputDir)
	fmt.Fprintf(tw, "Format:\t%s\n", settings.Format)
	fmt.Fprintf(tw, "Language:\t%s\n", settings.Language)
	return tw.Flush()
}

func doctorCmd(ctx context.Context, app *bootstrap.App, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fix := fs.Bool("fix", false, "try to install or repair failing items")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	report, err := app.RefreshDiagnostics(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
		return 1
	}

	if *fix && report.HasFailures {
		for _, item := range report.Items {
			if item.Status != domain.DiagnosticStatusFail {
				continue
			}
			fmt.Fprintf(out, "fixing %s...\n", item.ID)
			fixed, err := app.InstallOrFixDiagnostic(ctx, item.ID)
			if err != nil {
				fmt.Fprintf(out, "  %v\n", err)
				continue
			}
			report = fixed
		}
	}

	printReport(out, report)
	if report.HasFailures {
		return 1
	}
	return 0
}

func printReport(out io.Writer, report domain.DiagnosticReport) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, item := range report.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", item.Status, item.Name, item.Message)
		if item.Status == domain.DiagnosticStatusFail && item.Hint != "" {
			fmt.Fprintf(tw, "\t\thint: %s\n", item.Hint)
		}
	}
	_ = tw.Flush()
}

func toolsCmd(ctx context.Context, app *bootstrap.App, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("tools", flag.ContinueOnError)
	releaseID := fs.String("download", "", "release id to install into the app bin folder")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *releaseID != "" {
		report, err := app.DownloadToolRelease(ctx, *releaseID)
		if err != nil {
			return err
		}
		printReport(out, report)
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTOOL\tINSTALLED\tDESCRIPTION")
	for _, release := range app.GetToolReleases() {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", release.ID, release.Name, release.Downloaded, release.Description)
	}
	return tw.Flush()
}
