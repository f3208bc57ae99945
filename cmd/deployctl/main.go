package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/edvin/deploygate/internal/bigboat"
	"github.com/edvin/deploygate/internal/config"
	"github.com/edvin/deploygate/internal/core"
	"github.com/edvin/deploygate/internal/deploykey"
	"github.com/edvin/deploygate/internal/descriptor"
	"github.com/edvin/deploygate/internal/gate"
	"github.com/edvin/deploygate/internal/gitrepo"
	"github.com/edvin/deploygate/internal/installer"
	"github.com/edvin/deploygate/internal/jenkins"
	"github.com/edvin/deploygate/internal/logging"
	"github.com/edvin/deploygate/internal/model"
	"github.com/edvin/deploygate/internal/sysservices"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "list":
		cmdList(os.Args[2:])
	case "evaluate":
		cmdEvaluate(os.Args[2:])
	case "deploy":
		cmdDeploy(os.Args[2:])
	case "public-key":
		cmdPublicKey(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: deployctl <command> [options]

Commands:
  list                      List deployments with checkout state and verdict
  evaluate <name>           Evaluate the gate for one deployment
  deploy <name>             Gate and install one deployment
  public-key <name>         Print the deployment's public deploy key

Deploy options:
  -force                    Install even when the gate says no
  -secret fragment=path     Read secret file content from path (repeatable)`)
}

// secretFlags collects repeated -secret fragment=path arguments.
type secretFlags map[string]string

func (s secretFlags) String() string { return fmt.Sprintf("%d secrets", len(s)) }

func (s secretFlags) Set(value string) error {
	fragment, path, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("expected fragment=path, got %q", value)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read secret %s: %w", path, err)
	}
	s[fragment] = string(content)
	return nil
}

func newService() (*core.DeploymentService, *config.Config) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate("deployctl"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	store := descriptor.NewStore(cfg.DeploymentsFile, logger)
	rejected, err := store.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	for _, v := range rejected {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", v)
	}

	keys := deploykey.NewManager(cfg.StateDir, logger)
	repo := gitrepo.NewAdapter(keys, logger)
	ci := jenkins.NewClient(cfg.JenkinsURL, cfg.JenkinsUser, cfg.JenkinsToken, logger).WithTimeout(cfg.NetworkTimeout)
	evaluator := gate.NewEvaluator(ci, repo, logger)
	inst := installer.New(
		keys, repo, ci,
		sysservices.NewSystemdManager(logger),
		bigboat.NewClient(logger).WithTimeout(cfg.NetworkTimeout),
		installer.NewProgressHub(), logger,
	)
	return core.NewDeploymentService(store, evaluator, inst, repo, keys, logger), cfg
}

func cmdList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "Print the summaries as JSON")
	fs.Parse(args)

	svc, _ := newService()
	summaries, err := svc.List(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		json.NewEncoder(os.Stdout).Encode(summaries)
		return
	}

	for _, s := range summaries {
		state := "stale"
		if s.UpToDate {
			state = "up to date"
		}
		revision := s.Revision
		if revision == "" {
			revision = "(no checkout)"
		}
		fmt.Printf("%-24s %-12s %-40s %s", s.Name, s.Branch, revision, state)
		if s.Verdict != nil && !s.Verdict.Eligible {
			fmt.Printf("  [blocked: %s]", s.Verdict.Reason)
		}
		fmt.Println()
	}
}

func cmdEvaluate(args []string) {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: deployctl evaluate <name>")
		os.Exit(1)
	}

	svc, _ := newService()
	verdict, err := svc.Evaluate(context.Background(), fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	json.NewEncoder(os.Stdout).Encode(verdict)
	if !verdict.Eligible {
		os.Exit(2)
	}
}

func cmdDeploy(args []string) {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	force := fs.Bool("force", false, "Install even when the gate says no")
	secrets := secretFlags{}
	fs.Var(secrets, "secret", "Secret file content as fragment=path (repeatable)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: deployctl deploy [-force] [-secret fragment=path] <name>")
		os.Exit(1)
	}
	name := fs.Arg(0)

	svc, _ := newService()
	ctx := context.Background()

	var result *model.InstallationResult
	if *force {
		var err error
		result, err = svc.Install(ctx, name, secrets)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else {
		outcome, err := svc.Deploy(ctx, name, secrets)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if outcome.Result == nil {
			fmt.Fprintf(os.Stderr, "Blocked by gate: %s", outcome.Verdict.Reason)
			if outcome.Verdict.Detail != "" {
				fmt.Fprintf(os.Stderr, " (%s)", outcome.Verdict.Detail)
			}
			fmt.Fprintln(os.Stderr)
			os.Exit(2)
		}
		result = outcome.Result
	}

	for _, step := range result.Steps {
		fmt.Printf("%-10s %-8s %s\n", step.Step, step.Status, step.Detail)
	}
	fmt.Printf("\n%s: %s (run %s)\n", name, result.Status, result.RunID)
	if result.Failed() {
		os.Exit(1)
	}
}

func cmdPublicKey(args []string) {
	fs := flag.NewFlagSet("public-key", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: deployctl public-key <name>")
		os.Exit(1)
	}

	svc, _ := newService()
	key, err := svc.PublicKey(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(key)
}
