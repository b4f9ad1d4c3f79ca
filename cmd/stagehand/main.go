package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/msageha/stagehand/internal/events"
	"github.com/msageha/stagehand/internal/model"
	"github.com/msageha/stagehand/internal/orchestrator"
	"github.com/msageha/stagehand/internal/snapshot"
	"github.com/msageha/stagehand/internal/workflow"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runRun(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "plan":
		runPlan(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "version":
		fmt.Printf("stagehand %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func loadConfig(path string) (model.Config, error) {
	cfg := model.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func parseFileArgs(command string, args []string, extraFlags string) (file, configPath string, verbose bool) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 >= len(args) {
				fmt.Fprintf(os.Stderr, "--config requires a path\n")
				os.Exit(1)
			}
			i++
			configPath = args[i]
		case "--verbose":
			verbose = true
		default:
			if len(args[i]) > 2 && args[i][:2] == "--" {
				fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: stagehand %s <workflow.yaml> [--config <path>]%s\n", args[i], command, extraFlags)
				os.Exit(1)
			}
			if file != "" {
				fmt.Fprintf(os.Stderr, "usage: stagehand %s <workflow.yaml> [--config <path>]%s\n", command, extraFlags)
				os.Exit(1)
			}
			file = args[i]
		}
	}
	if file == "" {
		fmt.Fprintf(os.Stderr, "usage: stagehand %s <workflow.yaml> [--config <path>]%s\n", command, extraFlags)
		os.Exit(1)
	}
	return file, configPath, verbose
}

func runValidate(args []string) {
	file, _, _ := parseFileArgs("validate", args, "")

	def, err := workflow.ParseFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "validate: %v\n", err)
		os.Exit(1)
	}
	order, errs := def.Validate()
	if errs != nil {
		fmt.Fprint(os.Stderr, errs.FormatStderr())
		os.Exit(1)
	}
	fmt.Printf("%s: valid (%d stages)\n", filepath.Base(file), len(order))
	for i, name := range order {
		fmt.Printf("  %d. %s\n", i+1, name)
	}
}

func runPlan(args []string) {
	file, _, _ := parseFileArgs("plan", args, "")

	def, err := workflow.ParseFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plan: %v\n", err)
		os.Exit(1)
	}

	o := orchestrator.New(model.DefaultConfig(), nil)
	defer o.Close()

	loaded := o.LoadWorkflow(def)
	if !loaded.Success {
		fmt.Fprintf(os.Stderr, "plan: %s\n", loaded.Error)
		os.Exit(1)
	}

	for _, spec := range def.Stages {
		res := o.PlanStageExecution(spec.Name)
		if !res.Success {
			fmt.Fprintf(os.Stderr, "plan %s: %s\n", spec.Name, res.Error)
			os.Exit(1)
		}
		out, err := yaml.Marshal(map[string]interface{}{spec.Name: res})
		if err != nil {
			fmt.Fprintf(os.Stderr, "plan: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
	}
}

func runRun(args []string) {
	file, configPath, verbose := parseFileArgs("run", args, " [--verbose]")

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	def, err := workflow.ParseFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	order, errs := def.Validate()
	if errs != nil {
		fmt.Fprint(os.Stderr, errs.FormatStderr())
		os.Exit(1)
	}

	logger := log.New(os.Stderr, "stagehand ", log.LstdFlags)
	o := orchestrator.New(cfg, logger)
	defer o.Close()

	if cfg.Snapshot.Enabled && cfg.Snapshot.Dir != "" {
		sink, err := snapshot.NewYAMLSink(cfg.Snapshot.Dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "run: snapshot sink: %v\n", err)
			os.Exit(1)
		}
		defer sink.Close()
		o.SetSink(sink)
	}
	if cfg.Logging.AuditPath != "" {
		audit, err := events.NewAuditLogger(cfg.Logging.AuditPath, cfg.Logging.MaxAuditSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "run: audit log: %v\n", err)
			os.Exit(1)
		}
		o.SetAuditLogger(audit)
	}

	loaded := o.LoadWorkflow(def)
	if !loaded.Success {
		fmt.Fprintf(os.Stderr, "run: %s\n", loaded.Error)
		os.Exit(1)
	}
	fmt.Printf("run %s: %d stages\n", loaded.RunID, loaded.StageCount)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for _, name := range order {
		res := o.ExecuteStage(ctx, name)
		if !res.Success {
			fmt.Fprintf(os.Stderr, "stage %s failed: %s\n", name, res.Error)
			printProgress(o)
			os.Exit(1)
		}
		fmt.Printf("stage %s: %d tasks in %.1fs\n", name, res.TasksExecuted, res.ExecutionTimeSec)
	}

	printProgress(o)
}

func printProgress(o *orchestrator.Orchestrator) {
	progress, err := o.GetWorkflowProgress()
	if err != nil {
		return
	}
	fmt.Printf("progress: %.1f%% (stages %.1f%%, tasks %.1f%%) state=%s\n",
		progress.CompletionPercentage,
		progress.StageCompletionPercentage,
		progress.TaskCompletionPercentage,
		progress.RunState)
}

// runWatch re-validates the workflow file whenever it changes on disk.
func runWatch(args []string) {
	file, _, _ := parseFileArgs("watch", args, "")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		os.Exit(1)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files on save, which drops
	// a watch registered on the file itself.
	dir := filepath.Dir(file)
	if err := watcher.Add(dir); err != nil {
		fmt.Fprintf(os.Stderr, "watch %s: %v\n", dir, err)
		os.Exit(1)
	}

	validate := func() {
		def, err := workflow.ParseFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] %v\n", time.Now().Format("15:04:05"), err)
			return
		}
		if order, errs := def.Validate(); errs != nil {
			fmt.Fprintf(os.Stderr, "[%s] %s invalid:\n%s", time.Now().Format("15:04:05"), filepath.Base(file), errs.FormatStderr())
		} else {
			fmt.Printf("[%s] %s: valid (%d stages)\n", time.Now().Format("15:04:05"), filepath.Base(file), len(order))
		}
	}
	validate()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	target := filepath.Clean(file)
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				validate()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		case <-sig:
			return
		}
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `stagehand %s - workflow orchestration engine

Usage: stagehand <command> [options]

Commands:
  run <workflow.yaml>       Load, validate and execute a workflow
  validate <workflow.yaml>  Validate a workflow definition
  plan <workflow.yaml>      Print per-stage execution plans
  watch <workflow.yaml>     Re-validate on every file change
  version                   Print version
  help                      Show this help

Options:
  --config <path>           Engine configuration file (YAML)
  --verbose                 Debug logging (run only)
`, version)
}
