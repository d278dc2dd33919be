// Command arena runs evaluations: a driver program supervised together with
// the algorithm processes it starts. It can also act as an interactive driver.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"arena/internal/arena/control"
	"arena/internal/arena/process"
	"arena/internal/arena/sandbox"
	"arena/internal/arena/storage"
	"arena/internal/arena/supervisor"
	"arena/internal/cli/repl"
	appErr "arena/pkg/errors"
	"arena/pkg/utils/logger"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/arena.yaml"

// version is set at link time.
var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `usage: arena [flags] <command> [args]

commands:
  run <driver>   run one evaluation and print its outcome as JSON
  repl           start algorithms and call them interactively
  version        print the version

flags:
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	packKey := flag.String("pack", "", "Override the object key of the read-file pack")
	keep := flag.Bool("keep", false, "Keep the work directory after the evaluation")
	flag.Usage = usage
	flag.Parse()
	os.Exit(run(*configPath, *packKey, *keep, flag.Args()))
}

func run(configPath, packKey string, keep bool, args []string) int {
	if len(args) == 0 {
		usage()
		return 2
	}
	if args[0] == "version" {
		fmt.Println(version)
		return 0
	}

	required := configPath != defaultConfigPath
	appCfg, err := loadAppConfig(configPath, required)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return appErr.ConfigInvalid.ExitCode()
	}
	if packKey != "" {
		appCfg.MinIO.PackKey = packKey
	}
	if keep {
		appCfg.Evaluation.KeepWorkDir = true
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return appErr.ConfigInvalid.ExitCode()
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "run":
		if len(args) != 2 {
			usage()
			return 2
		}
		return runEvaluation(ctx, appCfg, args[1])
	case "repl":
		if len(args) != 1 {
			usage()
			return 2
		}
		return runREPL(ctx, appCfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		usage()
		return 2
	}
}

func runEvaluation(ctx context.Context, appCfg *AppConfig, driverName string) int {
	var opts []supervisor.Option
	if appCfg.MinIO.Enabled() {
		objects, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			logger.Error(ctx, "init minio failed", zap.Error(err))
			return appErr.ConfigInvalid.ExitCode()
		}
		opts = append(opts, supervisor.WithObjectStorage(objects, appCfg.MinIO.PackKey, appCfg.MinIO.TranscriptPrefix))
	}
	sup := supervisor.New(appCfg.Evaluation, sandbox.NewExecutor(appCfg.Sandbox), opts...)

	out, err := sup.Run(ctx, driverName)
	if out != nil {
		if encErr := writeJSON(os.Stdout, out); encErr != nil {
			logger.Error(ctx, "write outcome failed", zap.Error(encErr))
		}
	}
	if err != nil {
		logger.Error(ctx, "evaluation failed", zap.Error(err))
		return appErr.GetCode(err).ExitCode()
	}
	return out.Verdict.ExitCode()
}

func runREPL(ctx context.Context, appCfg *AppConfig) int {
	dir := filepath.Join(appCfg.Evaluation.WorkRoot, "repl-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Error(ctx, "create sandbox dir failed", zap.Error(err))
		return 1
	}
	defer func() {
		_ = os.RemoveAll(dir)
	}()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          appCfg.REPL.Prompt,
		HistoryFile:     appCfg.REPL.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		logger.Error(ctx, "init readline failed", zap.Error(err))
		return 1
	}
	defer func() {
		_ = rl.Close()
	}()

	reg := process.NewRegistry(dir, sandbox.NewExecutor(appCfg.Sandbox), supervisor.DirResolver(appCfg.Evaluation.AlgorithmsDir),
		process.WithAttach(), process.WithFirstID(1), process.WithLimits(appCfg.Limits),
		process.WithEnv(process.EnvLogLevel+"="+appCfg.ChildLogLevel))
	files := control.NewReadFiles(dir, storage.DirSource{Root: appCfg.Evaluation.ReadFilesDir})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = reg.Close(closeCtx)
		files.CloseAll(closeCtx)
	}()

	repl.New(reg, files, rl, rl.Stdout(), appCfg.REPL).Run(ctx)
	return 0
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
