package app

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"crowecli/internal/license"
	"crowecli/internal/orchestrator"
	"crowecli/internal/provider"
)

// gate runs the entitlement checks shared by every provider-backed command:
// feature first, then the windowed request limits, then the per-call token
// cap. Quota is only consumed later, after the provider call succeeded.
func (a *Application) gate(ctx context.Context, feature string, tokens int64) error {
	decision := a.Manager.CheckFeature(ctx, feature)
	if decision.Notice != "" {
		fmt.Fprintf(a.stderr, "warning: %s\n", decision.Notice)
	}
	if !decision.Allowed {
		return fmt.Errorf("feature %q requires the %s tier; run 'crowecli license activate' to upgrade",
			feature, decision.Reason)
	}

	for _, name := range []string{license.LimitRequestsPerHour, license.LimitRequestsPerDay} {
		if d := a.Manager.CheckLimit(ctx, name, 1); !d.Allowed {
			return fmt.Errorf("%s limit reached (%d remaining); try again later or upgrade", name, d.Remaining)
		}
	}

	if d := a.Manager.CheckLimit(ctx, license.LimitMaxTokensPerRequest, tokens); !d.Allowed {
		return fmt.Errorf("requested %d tokens exceeds the per-request cap of %d", tokens, d.Remaining)
	}
	return nil
}

// consumeQuota records one request against both windowed counters.
func (a *Application) consumeQuota(ctx context.Context) {
	for _, name := range []string{license.LimitRequestsPerHour, license.LimitRequestsPerDay} {
		if err := a.Manager.RecordUsage(ctx, name, 1); err != nil {
			fmt.Fprintf(a.stderr, "warning: failed to record usage for %s: %v\n", name, err)
		}
	}
}

func (a *Application) runLicense(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: crowecli license <activate|status|deactivate>")
	}

	switch args[0] {
	case "activate":
		fs := flag.NewFlagSet("license activate", flag.ContinueOnError)
		key := fs.String("key", "", "license key (read from stdin when omitted)")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}

		licenseKey := *key
		if licenseKey == "" && fs.NArg() > 0 {
			licenseKey = fs.Arg(0)
		}
		if licenseKey == "" {
			fmt.Fprint(a.stdout, "License key: ")
			scanner := bufio.NewScanner(os.Stdin)
			if scanner.Scan() {
				licenseKey = strings.TrimSpace(scanner.Text())
			}
		}
		if licenseKey == "" {
			return fmt.Errorf("no license key provided")
		}

		rec, err := a.Manager.Activate(ctx, licenseKey)
		if err != nil {
			return fmt.Errorf("activation failed: %w", err)
		}
		fmt.Fprintf(a.stdout, "License activated: %s tier, expires %s\n",
			rec.Tier.Display(), rec.ExpiresAt.UTC().Format("2006-01-02"))
		return nil

	case "status":
		status := a.Manager.Status(ctx)
		fmt.Fprintf(a.stdout, "Tier:      %s\n", status.Tier)
		fmt.Fprintf(a.stdout, "State:     %s\n", status.State)
		fmt.Fprintf(a.stdout, "Activated: %t\n", status.Activated)
		if status.Organization != "" {
			fmt.Fprintf(a.stdout, "Org:       %s\n", status.Organization)
		}
		if status.ExpiresAt != nil {
			fmt.Fprintf(a.stdout, "Expires:   %s (%d days left)\n",
				status.ExpiresAt.UTC().Format("2006-01-02"), status.DaysLeft)
		}
		fmt.Fprintf(a.stdout, "Features:  %s\n", strings.Join(status.Features, ", "))
		fmt.Fprintln(a.stdout, "Limits:")
		for _, name := range []string{
			license.LimitRequestsPerHour,
			license.LimitRequestsPerDay,
			license.LimitMaxTokensPerRequest,
			license.LimitHistoryRetentionDays,
			license.LimitMaxConversations,
		} {
			limit := status.Limits[name]
			if int64(limit) == license.Unlimited {
				fmt.Fprintf(a.stdout, "  %-24s unlimited\n", name)
			} else {
				fmt.Fprintf(a.stdout, "  %-24s %d\n", name, int64(limit))
			}
		}
		return nil

	case "deactivate":
		if err := a.Manager.Deactivate(ctx); err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, "License deactivated; reverted to the Free tier.")
		return nil

	default:
		return fmt.Errorf("unknown license subcommand %q", args[0])
	}
}

func (a *Application) runAsk(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	model := fs.String("model", "", "override the configured model")
	maxTokens := fs.Int("max-tokens", 0, "override the configured completion budget")
	conversation := fs.String("conversation", "", "append to an existing conversation ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: crowecli ask [flags] <prompt>")
	}
	prompt := strings.Join(fs.Args(), " ")

	tokens := *maxTokens
	if tokens == 0 {
		tokens = a.Config.Provider.MaxTokens
	}
	if err := a.gate(ctx, "ask", int64(tokens)); err != nil {
		return err
	}

	p, err := a.newProvider(ctx)
	if err != nil {
		return err
	}

	store, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	convID := *conversation
	if convID == "" {
		conv, err := store.New(truncateTitle(prompt))
		if err != nil {
			return err
		}
		convID = conv.ID
	}
	conv, err := store.Get(convID)
	if err != nil {
		return err
	}

	messages := append(append([]provider.Message{}, conv.Messages...),
		provider.Message{Role: provider.RoleUser, Content: prompt})

	resp, err := p.Complete(ctx, provider.Request{
		Messages:  messages,
		Model:     *model,
		MaxTokens: tokens,
	})
	if err != nil {
		return fmt.Errorf("completion failed: %w", err)
	}

	a.consumeQuota(ctx)
	if _, err := a.Ledger.Record(resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens); err != nil {
		fmt.Fprintf(a.stderr, "warning: failed to record cost: %v\n", err)
	}
	if _, err := store.Append(convID,
		provider.Message{Role: provider.RoleUser, Content: prompt},
		provider.Message{Role: provider.RoleAssistant, Content: resp.Content},
	); err != nil {
		fmt.Fprintf(a.stderr, "warning: failed to save conversation: %v\n", err)
	}

	fmt.Fprintln(a.stdout, resp.Content)
	return nil
}

func (a *Application) runBatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	concurrency := fs.Int("concurrency", orchestrator.DefaultConcurrency, "simultaneous provider calls")
	if err := fs.Parse(args); err != nil {
		return err
	}
	prompts := fs.Args()
	if len(prompts) == 0 {
		return fmt.Errorf("usage: crowecli batch [flags] <prompt>...")
	}

	if err := a.gate(ctx, "agents", int64(a.Config.Provider.MaxTokens)); err != nil {
		return err
	}
	// Each prompt in the batch is one request against the window.
	for _, name := range []string{license.LimitRequestsPerHour, license.LimitRequestsPerDay} {
		if d := a.Manager.CheckLimit(ctx, name, int64(len(prompts))); !d.Allowed {
			return fmt.Errorf("batch of %d exceeds %s (%d remaining)", len(prompts), name, d.Remaining)
		}
	}

	p, err := a.newProvider(ctx)
	if err != nil {
		return err
	}

	results, err := orchestrator.New(p, *concurrency, a.Logger).Run(ctx, prompts)
	if err != nil {
		return err
	}

	for _, result := range results {
		for _, name := range []string{license.LimitRequestsPerHour, license.LimitRequestsPerDay} {
			if err := a.Manager.RecordUsage(ctx, name, 1); err != nil {
				fmt.Fprintf(a.stderr, "warning: failed to record usage for %s: %v\n", name, err)
			}
		}
		if _, err := a.Ledger.Record(result.Response.Model,
			result.Response.Usage.PromptTokens, result.Response.Usage.CompletionTokens); err != nil {
			fmt.Fprintf(a.stderr, "warning: failed to record cost: %v\n", err)
		}
		fmt.Fprintf(a.stdout, "--- [%d] %s\n%s\n", result.Index+1, result.Prompt, result.Response.Content)
	}
	return nil
}

func (a *Application) runUsage(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("usage", flag.ContinueOnError)
	sinceDays := fs.Int("since-days", 0, "restrict the summary to the last N days")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if decision := a.Manager.CheckFeature(ctx, "cost_tracking"); !decision.Allowed {
		return fmt.Errorf("cost tracking requires the %s tier", decision.Reason)
	}

	var since time.Time
	if *sinceDays > 0 {
		since = time.Now().UTC().AddDate(0, 0, -*sinceDays)
	}

	summary, err := a.Ledger.Summarize(since)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.stdout, "Requests:          %d\n", summary.Requests)
	fmt.Fprintf(a.stdout, "Prompt tokens:     %d\n", summary.PromptTokens)
	fmt.Fprintf(a.stdout, "Completion tokens: %d\n", summary.CompletionTokens)
	fmt.Fprintf(a.stdout, "Estimated spend:   $%.4f\n", summary.TotalCostUSD)
	for model, cost := range summary.ByModel {
		fmt.Fprintf(a.stdout, "  %-20s $%.4f\n", model, cost)
	}
	return nil
}

func (a *Application) runHistory(ctx context.Context, args []string) error {
	if len(args) == 0 {
		args = []string{"list"}
	}

	store, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	switch args[0] {
	case "list":
		convs, err := store.List()
		if err != nil {
			return err
		}
		if len(convs) == 0 {
			fmt.Fprintln(a.stdout, "No stored conversations.")
			return nil
		}
		for _, conv := range convs {
			fmt.Fprintf(a.stdout, "%s  %s  (%d messages, updated %s)\n",
				conv.ID, conv.Title, len(conv.Messages),
				conv.UpdatedAt.UTC().Format("2006-01-02 15:04"))
		}
		return nil

	case "show":
		if len(args) < 2 {
			return fmt.Errorf("usage: crowecli history show <id>")
		}
		conv, err := store.Get(args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "%s (%s)\n", conv.Title, conv.ID)
		for _, msg := range conv.Messages {
			fmt.Fprintf(a.stdout, "[%s] %s\n", msg.Role, msg.Content)
		}
		return nil

	case "clear":
		convs, err := store.List()
		if err != nil {
			return err
		}
		for _, conv := range convs {
			if err := store.Delete(conv.ID); err != nil {
				return err
			}
		}
		fmt.Fprintf(a.stdout, "Deleted %d conversations.\n", len(convs))
		return nil

	default:
		return fmt.Errorf("unknown history subcommand %q", args[0])
	}
}

func (a *Application) runVault(_ context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: crowecli vault <set|list|delete>")
	}

	switch args[0] {
	case "set":
		if len(args) < 2 {
			return fmt.Errorf("usage: crowecli vault set <name>")
		}
		fmt.Fprintf(a.stdout, "Secret value for %q: ", args[1])
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			return fmt.Errorf("no secret provided")
		}
		if err := a.Vault.Set(args[1], strings.TrimSpace(scanner.Text())); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Stored %q; reference it as %s%s in config.\n",
			args[1], "vault://", args[1])
		return nil

	case "list":
		names, err := a.Vault.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Fprintln(a.stdout, "Vault is empty.")
			return nil
		}
		for _, name := range names {
			fmt.Fprintln(a.stdout, name)
		}
		return nil

	case "delete":
		if len(args) < 2 {
			return fmt.Errorf("usage: crowecli vault delete <name>")
		}
		if err := a.Vault.Delete(args[1]); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Deleted %q.\n", args[1])
		return nil

	default:
		return fmt.Errorf("unknown vault subcommand %q", args[0])
	}
}

func (a *Application) runDoctor(ctx context.Context) error {
	report := func(name string, ok bool, detail string) {
		mark := "ok"
		if !ok {
			mark = "FAIL"
		}
		fmt.Fprintf(a.stdout, "%-28s %-4s %s\n", name, mark, detail)
	}

	report("data directory", dirWritable(a.Paths.DataDir), a.Paths.DataDir)
	report("config", true, fmt.Sprintf("provider=%s model=%s", a.Config.Provider.Name, a.Config.Provider.Model))

	status := a.Manager.Status(ctx)
	report("license", status.State == license.StateActive,
		fmt.Sprintf("tier=%s state=%s", status.Tier, status.State))

	keyConfigured := a.Config.Provider.APIKey != ""
	report("provider key", keyConfigured, keySource(a.Config.Provider.APIKey))

	hourly := a.Manager.CheckLimit(ctx, license.LimitRequestsPerHour, 0)
	if hourly.Unbounded {
		report("hourly quota", true, "unlimited")
	} else {
		report("hourly quota", hourly.Remaining > 0, fmt.Sprintf("%d remaining", hourly.Remaining))
	}
	return nil
}

func keySource(apiKey string) string {
	switch {
	case apiKey == "":
		return "not configured; set CROWECLI_PROVIDER_API_KEY or use 'vault set'"
	case strings.HasPrefix(apiKey, "vault://"):
		return "from vault"
	default:
		return "from config"
	}
}

func dirWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}

func truncateTitle(prompt string) string {
	const maxLen = 48
	prompt = strings.TrimSpace(prompt)
	if len(prompt) <= maxLen {
		return prompt
	}
	return prompt[:maxLen] + "..."
}
