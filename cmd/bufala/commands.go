package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bufala/bufala-llm/internal/classify"
	"github.com/bufala/bufala-llm/internal/config"
	"github.com/bufala/bufala-llm/internal/core"
	"github.com/bufala/bufala-llm/internal/models"
	"github.com/bufala/bufala-llm/internal/output"
	"github.com/bufala/bufala-llm/internal/resource"
	"github.com/bufala/bufala-llm/internal/server"
	"github.com/bufala/bufala-llm/internal/templates"
	"github.com/bufala/bufala-llm/pkg/api"
)

var (
	domainFlag      string
	criticalityFlag string
	modelFlag       string
	systemFlag      string
	expectJSONFlag  bool

	serveCmd = &cobra.Command{
		Use:     "serve",
		Aliases: []string{"server"},
		Short:   "Start the HTTP API",
		Args:    cobra.NoArgs,
		RunE:    runServe,
	}

	probeCmd = &cobra.Command{
		Use:   "probe",
		Short: "Probe host hardware and show which models it can run",
		Args:  cobra.NoArgs,
		RunE:  runProbe,
	}

	catalogCmd = &cobra.Command{
		Use:     "catalog",
		Aliases: []string{"models", "list"},
		Short:   "List catalog models and their installation status",
		Args:    cobra.NoArgs,
		RunE:    runCatalog,
	}

	classifyCmd = &cobra.Command{
		Use:   "classify [text...]",
		Short: "Show how a prompt would be classified and routed, without generating",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runClassify,
	}

	askCmd = &cobra.Command{
		Use:   "ask [prompt...]",
		Short: "Route a single prompt and print the answer",
		Long: `Route a single prompt through the full fallback chain. With --domain
set to a template name (medical, agriculture, translate...) the prompt fills
the template's first variable.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runAsk,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			if output.JSONMode {
				output.PrintJSON(map[string]string{"version": server.Version})
				return
			}
			fmt.Printf("bufala %s\n", server.Version)
		},
	}
)

func init() {
	for _, cmd := range []*cobra.Command{classifyCmd, askCmd} {
		cmd.Flags().StringVarP(&domainFlag, "domain", "d", "", "context hint or template name")
		cmd.Flags().StringVar(&criticalityFlag, "criticality", "", "criticality hint: low, medium, high or critical")
		cmd.Flags().StringVarP(&modelFlag, "model", "m", "", "force a catalog model")
	}
	askCmd.Flags().StringVar(&systemFlag, "system", "", "system prompt")
	askCmd.Flags().BoolVar(&expectJSONFlag, "expect-json", false, "ask for a JSON answer and repair it")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withCore(func(c *core.Core, logger *slog.Logger) error {
		report := c.Start(ctx)
		logger.Info("models reconciled", "present", len(report.Present), "missing", report.Missing)
		host := c.Host(ctx)
		logger.Info("host profile", "quality", host.Quality(), "ram_gb", host.TotalRAMGB, "cores", host.PhysicalCores)

		srv := server.New(c, logger)
		defer srv.Close()
		return srv.Start(ctx)
	})
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, cleanup, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	path := cfg.ProbePath
	if path == "" {
		path = cfg.ModelsDir
	}
	host := resource.NewProber(nil, path, logger).Probe(cmd.Context())
	catalog := models.DefaultCatalog()
	if cfg.CatalogOverridePath != "" {
		if catalog, err = models.LoadOverride(cfg.CatalogOverridePath, catalog); err != nil {
			return fmt.Errorf("%w: %v", config.ErrFatalConfig, err)
		}
	}

	if output.JSONMode {
		feasible := []string{}
		for _, d := range catalog.All() {
			if d.Floor.SatisfiedBy(host) {
				feasible = append(feasible, d.RuntimeID)
			}
		}
		output.PrintJSON(map[string]any{"host": host, "device_quality": host.Quality(), "feasible_models": feasible})
		return nil
	}

	printSection("Host")
	fmt.Print(host.String())
	printItem("disk free", fmt.Sprintf("%s of %s", humanize.IBytes(host.DiskFreeBytes), humanize.IBytes(host.DiskTotalBytes)))
	fmt.Println()
	printSection("Models this host can run")
	for _, d := range catalog.All() {
		if d.Floor.SatisfiedBy(host) {
			printSuccess(d.RuntimeID)
		} else {
			printWarning(fmt.Sprintf("%s needs %.1f GB RAM, %d cores, %.1f GB disk",
				d.RuntimeID, d.Floor.MinRAMGB, d.Floor.MinCores, d.Floor.MinFreeDiskGB))
		}
	}
	return nil
}

func runCatalog(cmd *cobra.Command, args []string) error {
	return withCore(func(c *core.Core, logger *slog.Logger) error {
		ctx := cmd.Context()
		if _, err := c.Reconcile(ctx); err != nil {
			logger.Debug("runtime not reachable, showing catalog only", "error", err)
		}
		infos := c.Models(ctx)
		if output.JSONMode {
			output.PrintJSON(infos)
			return nil
		}

		printSection("Catalog")
		for _, m := range infos {
			status := styles.Dim.Render("missing")
			if m.Installed {
				status = styles.Success.Render("installed")
			}
			if !m.Feasible {
				status += " " + styles.Warning.Render("too large for this host")
			}
			fmt.Printf("  %s tier %d  ceiling %-8s %s\n",
				styles.Bold.Render(fmt.Sprintf("%-16s", m.RuntimeID)), m.AccuracyTier, m.CriticalityCeiling, status)
			printItem("serves", joinContexts(m.ServedContexts))
			printItem("floor", fmt.Sprintf("%.1f GB RAM, %d cores, %.1f GB disk",
				m.Floor.MinRAMGB, m.Floor.MinCores, m.Floor.MinFreeDiskGB))
		}
		return nil
	})
}

func runClassify(cmd *cobra.Command, args []string) error {
	req, err := buildRequest(args)
	if err != nil {
		return err
	}
	return withCore(func(c *core.Core, logger *slog.Logger) error {
		plan, planErr := c.Plan(cmd.Context(), req)
		if output.JSONMode {
			result := map[string]any{"plan": plan}
			if planErr != nil {
				result["error"] = planErr.Error()
			}
			output.PrintJSON(result)
			return nil
		}

		printSection("Routing plan")
		printItem("context", string(plan.Context))
		printItem("criticality", plan.Criticality.String())
		if planErr != nil {
			printError(planErr.Error())
			return nil
		}
		printItem("model", plan.Model)
		printItem("timeout", plan.Timeout.String())
		printItem("temperature", fmt.Sprintf("%.2f", plan.Decoding.Temperature))
		printItem("max tokens", fmt.Sprintf("%d", plan.Decoding.MaxOutputTokens))
		if plan.ForcedUnderspec {
			printWarning("running below the requested criticality on this host")
		}
		for _, r := range plan.Rejected {
			printInfo(fmt.Sprintf("%s rejected: %s", r.Model, r.Reason))
		}
		return nil
	})
}

func runAsk(cmd *cobra.Command, args []string) error {
	req, err := buildRequest(args)
	if err != nil {
		return err
	}
	req.ExpectJSON = req.ExpectJSON || expectJSONFlag
	if systemFlag != "" {
		req.SystemPrompt = systemFlag
	}

	return withCore(func(c *core.Core, logger *slog.Logger) error {
		ctx := cmd.Context()
		if _, err := c.Reconcile(ctx); err != nil {
			logger.Debug("runtime not reachable", "error", err)
		}
		resp, err := c.Handle(ctx, req)
		if err != nil {
			return err
		}
		if output.JSONMode {
			output.PrintJSON(resp)
			return nil
		}

		switch content := resp.Content.(type) {
		case string:
			fmt.Println(content)
		default:
			if err := output.WriteJSON(os.Stdout, content); err != nil {
				return err
			}
		}
		fmt.Println()
		meta := resp.Metadata
		model := meta.ModelUsed
		if model == "" {
			model = "none"
		}
		fmt.Println(styles.Muted.Render(fmt.Sprintf("%s via %s in %dms (%s, %s)",
			model, meta.Method, meta.ElapsedMS, meta.Context, meta.Criticality)))
		if meta.Fallback {
			printWarning(fmt.Sprintf("fallback after %d attempt(s)", len(meta.Attempts)))
		}
		if meta.Salvaged {
			printWarning("every model failed; showing the last unparsed answer")
		}
		return nil
	})
}

// buildRequest turns CLI arguments into a request. A --domain naming a
// template composes through it; anything else is treated as a context hint.
func buildRequest(args []string) (api.Request, error) {
	text := strings.Join(args, " ")

	var req api.Request
	if tmpl, err := templates.GetTemplate(domainFlag); domainFlag != "" && err == nil {
		vars := map[string]string{}
		if len(tmpl.Variables) > 0 {
			vars[tmpl.Variables[0]] = text
		}
		req, err = tmpl.Compose(vars)
		if err != nil {
			return api.Request{}, err
		}
	} else {
		req = api.Request{
			DomainHint:     classify.CoerceContext(domainFlag, slog.Default()),
			UserText:       text,
			ComposedPrompt: text,
		}
	}
	req.CriticalityHint = classify.CoerceCriticality(criticalityFlag, slog.Default())
	req.ForcedModel = modelFlag
	return req, nil
}

func joinContexts(cs []api.ContextType) string {
	names := make([]string, len(cs))
	for i, c := range cs {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}
