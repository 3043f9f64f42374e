package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/raysh454/scoop/internal/app"
	"github.com/raysh454/scoop/internal/archivestore"
	"github.com/raysh454/scoop/internal/capture"
	"github.com/raysh454/scoop/internal/catalog"
	"github.com/raysh454/scoop/internal/exchange"
	"github.com/raysh454/scoop/internal/logging"
)

var exampleUsage = strings.TrimSpace(`
  scoop capture https://example.com/ --output example.wacz
  scoop capture https://example.com/ --pdf --dom --timeout 2m
  scoop inspect example.wacz
  scoop list --url-prefix https://example.com/
`)

type rootFlags struct {
	configPath  string
	storageRoot string
	logLevel    string
	logFormat   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var rf rootFlags
	root := &cobra.Command{
		Use:           "scoop",
		Short:         "High-fidelity single-page web archiving to WARC and WACZ",
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", capture.Version(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&rf.configPath, "config", "", "path to a YAML or JSON config file")
	pf.StringVar(&rf.storageRoot, "storage-root", "", "directory holding archives and the catalog")
	pf.StringVar(&rf.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&rf.logFormat, "log-format", "", "log format (console, json)")

	root.AddCommand(
		newCaptureCommand(&rf),
		newInspectCommand(&rf),
		newListCommand(&rf),
		newDeleteCommand(&rf),
	)
	return root
}

// loadConfig applies the config file, then SCOOP_* variables, then flags
// the user set explicitly.
func loadConfig(rf *rootFlags) (*app.Config, error) {
	cfg := app.DefaultConfig()
	if rf.configPath != "" {
		fc, err := app.LoadFromFile(rf.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = fc
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if rf.storageRoot != "" {
		cfg.StorageRoot = rf.storageRoot
	}
	if rf.logLevel != "" {
		cfg.LogLevel = rf.logLevel
	}
	if rf.logFormat != "" {
		cfg.LogFormat = logging.Format(rf.logFormat)
	}
	return cfg, nil
}

func withApplication(cmd *cobra.Command, rf *rootFlags, tweak func(*app.Config), fn func(ctx context.Context, a *app.Application) error) error {
	cfg, err := loadConfig(rf)
	if err != nil {
		return err
	}
	if tweak != nil {
		tweak(cfg)
	}
	ctx := cmd.Context()
	a, err := app.Bootstrap(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Shutdown(context.Background()); err != nil {
			a.Logger.Warn("shutdown", logging.Err(err))
		}
	}()
	return fn(ctx, a)
}

// ─── capture ───────────────────────────────────────────────────────────

type captureFlags struct {
	output      string
	timeout     time.Duration
	raw         bool
	gzip        bool
	screenshot  bool
	pdf         bool
	dom         bool
	provenance  bool
	headless    bool
	proxyPort   int
	browserPath string
	signingURL  string
	jsonOut     bool
}

func newCaptureCommand(rf *rootFlags) *cobra.Command {
	var cf captureFlags
	cmd := &cobra.Command{
		Use:   "capture <url>",
		Short: "Capture a page and store it as a WACZ",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })
			tweak := func(cfg *app.Config) { applyCaptureFlags(cfg, &cf, changed) }

			return withApplication(cmd, rf, tweak, func(ctx context.Context, a *app.Application) error {
				return runCapture(ctx, cmd, a, args[0], &cf)
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&cf.output, "output", "o", "", "also write the WACZ to this path")
	f.DurationVar(&cf.timeout, "timeout", 0, "overall capture timeout")
	f.BoolVar(&cf.raw, "raw", true, "embed raw exchange bytes for exact round trips")
	f.BoolVar(&cf.gzip, "gzip", false, "store the WARC gzip compressed")
	f.BoolVar(&cf.screenshot, "screenshot", true, "add a full-page screenshot")
	f.BoolVar(&cf.pdf, "pdf", false, "add a PDF snapshot")
	f.BoolVar(&cf.dom, "dom", false, "add a DOM snapshot")
	f.BoolVar(&cf.provenance, "provenance", true, "add the provenance summary page")
	f.BoolVar(&cf.headless, "headless", true, "run the browser headless")
	f.IntVar(&cf.proxyPort, "proxy-port", 0, "port of the intercepting proxy")
	f.StringVar(&cf.browserPath, "browser-path", "", "Chrome executable to use")
	f.StringVar(&cf.signingURL, "signing-url", "", "signing server for the WACZ digest")
	f.BoolVar(&cf.jsonOut, "json", false, "print the catalog entry as JSON")
	return cmd
}

func applyCaptureFlags(cfg *app.Config, cf *captureFlags, changed map[string]bool) {
	o := &cfg.Capture
	if changed["timeout"] {
		o.CaptureTimeout = cf.timeout
	}
	if changed["raw"] {
		cfg.Export.IncludeRaw = cf.raw
	}
	if changed["gzip"] {
		cfg.Export.Gzip = cf.gzip
	}
	if changed["screenshot"] {
		o.Screenshot = cf.screenshot
	}
	if changed["pdf"] {
		o.PDFSnapshot = cf.pdf
	}
	if changed["dom"] {
		o.DOMSnapshot = cf.dom
	}
	if changed["provenance"] {
		o.ProvenanceSummary = cf.provenance
	}
	if changed["headless"] {
		o.Headless = cf.headless
	}
	if changed["proxy-port"] {
		o.ProxyPort = cf.proxyPort
	}
	if changed["browser-path"] {
		o.BrowserPath = cf.browserPath
	}
	if changed["signing-url"] {
		o.SigningURL = cf.signingURL
	}
}

func runCapture(ctx context.Context, cmd *cobra.Command, a *app.Application, url string, cf *captureFlags) error {
	job, err := a.Orch.StartCaptureJob(ctx, url)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	stderr := cmd.ErrOrStderr()
	for {
		select {
		case <-sigCh:
			fmt.Fprintln(stderr, "interrupted, stopping capture...")
			a.Orch.CancelJob(job.ID)
			sigCh = nil
		case ev, ok := <-job.Events:
			if !ok {
				return finishCapture(ctx, cmd, a, job.ID, cf)
			}
			if ev.Type == app.JobEventState {
				fmt.Fprintf(stderr, "capture %s\n", ev.CaptureState)
			}
		}
	}
}

func finishCapture(ctx context.Context, cmd *cobra.Command, a *app.Application, jobID string, cf *captureFlags) error {
	snap, _ := a.Orch.GetJob(jobID)
	if snap.Status != app.JobDone || snap.Result == nil {
		return fmt.Errorf("capture %s: %s", snap.Status, snap.Error)
	}
	entry := snap.Result
	path, err := a.Orch.ArchivePath(ctx, entry.ID)
	if err != nil {
		return err
	}
	if cf.output != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := archivestore.AtomicWriteFile(cf.output, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", cf.output, err)
		}
	}
	out := cmd.OutOrStdout()
	if cf.jsonOut {
		return writeJSON(out, entry)
	}
	fmt.Fprintf(out, "%s  %s  %s\n", entry.ID, entry.State, entry.URL)
	if entry.PartialReason != "" {
		fmt.Fprintf(out, "partial: %s\n", entry.PartialReason)
	}
	fmt.Fprintf(out, "%d exchanges, %d bytes  %s\n", entry.ExchangeCount, entry.ArchiveBytes, path)
	return nil
}

// ─── inspect ───────────────────────────────────────────────────────────

type exchangeSummary struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	Date        string `json:"date"`
	URL         string `json:"url"`
	Status      int    `json:"status,omitempty"`
	Bytes       int    `json:"bytes"`
	EntryPoint  bool   `json:"entryPoint,omitempty"`
	Description string `json:"description,omitempty"`
}

type captureSummary struct {
	ID        string            `json:"id"`
	URL       string            `json:"url"`
	State     string            `json:"state"`
	CreatedAt string            `json:"createdAt"`
	Title     string            `json:"title,omitempty"`
	Exchanges []exchangeSummary `json:"exchanges"`
}

func summarize(c *capture.Capture) captureSummary {
	s := captureSummary{
		ID:        c.ID(),
		URL:       c.URL(),
		State:     c.State().String(),
		CreatedAt: exchange.FormatDate(c.CreatedAt()),
		Title:     c.PageInfo().Title,
	}
	for _, ex := range c.Exchanges() {
		es := exchangeSummary{
			ID:          ex.ID(),
			Source:      ex.Source().String(),
			Date:        exchange.FormatDate(ex.Date()),
			URL:         ex.URL(),
			EntryPoint:  ex.IsEntryPoint(),
			Description: ex.Description(),
		}
		if resp, err := ex.Response(); err == nil && resp != nil {
			es.Status = resp.StatusCode
			es.Bytes = len(resp.Body)
		}
		s.Exchanges = append(s.Exchanges, es)
	}
	return s
}

func newInspectCommand(rf *rootFlags) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "inspect <file.wacz|capture-id>",
		Short: "Rebuild a capture from a WACZ and summarize it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, rf, nil, func(ctx context.Context, a *app.Application) error {
				var c *capture.Capture
				var err error
				if _, statErr := os.Stat(args[0]); statErr == nil {
					c, err = a.Orch.Inspect(ctx, args[0])
				} else {
					c, err = a.Orch.Open(ctx, args[0])
				}
				if err != nil {
					return err
				}
				s := summarize(c)
				out := cmd.OutOrStdout()
				if jsonOut {
					return writeJSON(out, s)
				}
				fmt.Fprintf(out, "%s  %s  %s\n%s  %s\n\n", s.ID, s.State, s.URL, s.CreatedAt, s.Title)
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SOURCE\tSTATUS\tBYTES\tURL")
				for _, ex := range s.Exchanges {
					url := ex.URL
					if ex.EntryPoint {
						url += "  *"
					}
					fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", ex.Source, ex.Status, ex.Bytes, url)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the summary as JSON")
	return cmd
}

// ─── list / delete ─────────────────────────────────────────────────────

func newListCommand(rf *rootFlags) *cobra.Command {
	var opts catalog.ListOptions
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List archived captures, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApplication(cmd, rf, nil, func(ctx context.Context, a *app.Application) error {
				entries, err := a.Orch.List(ctx, opts)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOut {
					return writeJSON(out, entries)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tCAPTURED\tSTATE\tEXCHANGES\tURL")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", e.ID, exchange.FormatDate(e.CapturedAt), e.State, e.ExchangeCount, e.URL)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&opts.URLPrefix, "url-prefix", "", "only captures whose URL starts with this")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of captures")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print entries as JSON")
	return cmd
}

func newDeleteCommand(rf *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <capture-id>",
		Short: "Remove a capture from the catalog and the archive store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApplication(cmd, rf, nil, func(ctx context.Context, a *app.Application) error {
				return a.Orch.Delete(ctx, args[0])
			})
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
