package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matgreaves/stackup/internal/config"
	"github.com/matgreaves/stackup/internal/logging"
	"github.com/matgreaves/stackup/server"
	"github.com/matgreaves/stackup/server/backend"
	"github.com/matgreaves/stackup/server/backend/docker"
	"github.com/matgreaves/stackup/server/backend/process"
	"github.com/matgreaves/stackup/spec"
)

// Exit codes.
const (
	exitOK          = 0
	exitUnsettled   = 1
	exitConfigError = 2
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// defaultFiles are tried in order when -f is not given.
var defaultFiles = []string{"compose.yaml", "compose.yml", "docker-compose.yaml", "docker-compose.yml"}

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// exitCodeFor maps a command error to the process exit status.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	var de *spec.DecodeError
	if errors.As(err, &de) || errors.Is(err, server.ErrConfig) {
		return exitConfigError
	}
	return exitUnsettled
}

// app is the state shared by every subcommand.
type app struct {
	stdout, stderr io.Writer

	configFile  string
	stackFile   string
	projectName string
	envFile     string
	backendName string
	logLevel    string

	cfg      config.Config
	log      *zap.Logger
	closeLog func() error
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "stackup",
		Short: "Launch a stack of services in dependency order",
		Long: `stackup reads a compose-style stack file, launches every service as soon
as its prerequisites are satisfied and reports once the stack has settled.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetVersionTemplate(`{{printf "stackup version %s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.stackFile, "file", "f", "", "stack file (default: compose.yaml in the working directory)")
	pf.StringVarP(&a.projectName, "project-name", "p", "", "project name (default: the file's name: or its directory)")
	pf.StringVar(&a.envFile, "env-file", "", "dotenv file for ${VAR} interpolation (default: .env next to the stack file)")
	pf.StringVar(&a.configFile, "config", "", "settings file (default: ./stackup.toml)")
	pf.StringVar(&a.backendName, "backend", "", "launch backend: docker or process (default from settings)")
	pf.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error (default from settings)")

	root.AddCommand(
		newUpCmd(a),
		newDownCmd(a),
		newStatusCmd(a),
		newConfigCmd(a),
		newExplainCmd(a),
		newVersionCmd(a),
	)
	return root
}

func execute(args []string) int {
	return run(args, os.Stdout, os.Stderr)
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err != nil {
		var ee *exitError
		if !errors.As(err, &ee) || ee.err != nil {
			fmt.Fprintf(stderr, "stackup: %v\n", err)
		}
	}
	return exitCodeFor(err)
}

func (a *app) init() error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return &exitError{code: exitConfigError, err: err}
	}
	if a.backendName != "" {
		cfg.Backend = a.backendName
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return &exitError{code: exitConfigError, err: err}
	}
	a.cfg = cfg

	log, closeLog, err := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Console:    a.stderr,
	})
	if err != nil {
		return &exitError{code: exitConfigError, err: err}
	}
	a.log, a.closeLog = log, closeLog
	return nil
}

func (a *app) close() error {
	if a.closeLog == nil {
		return nil
	}
	return a.closeLog()
}

// resolveStackFile returns the -f path or the first default file present.
func (a *app) resolveStackFile() (string, error) {
	if a.stackFile != "" {
		return a.stackFile, nil
	}
	for _, name := range defaultFiles {
		if _, err := os.Stat(name); err == nil {
			return name, nil
		}
	}
	return "", &exitError{code: exitConfigError, err: errors.Newf("no stack file found (tried %v); use -f", defaultFiles)}
}

// loadGraph loads the stack file and validates its dependency graph.
func (a *app) loadGraph() (*server.Graph, string, error) {
	path, err := a.resolveStackFile()
	if err != nil {
		return nil, "", err
	}
	stack, err := spec.Load(path, spec.LoadOptions{ProjectName: a.projectName, EnvFile: a.envFile})
	if err != nil {
		var de *spec.DecodeError
		if errors.As(err, &de) {
			return nil, "", errors.Wrapf(err, "%s", path)
		}
		return nil, "", &exitError{code: exitConfigError, err: err}
	}
	g, err := server.BuildGraph(stack)
	if err != nil {
		return nil, "", errors.Wrapf(err, "%s", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return g, abs, nil
}

func (a *app) newBackend(dir string) (backend.Backend, error) {
	switch a.cfg.Backend {
	case "docker":
		return docker.New(
			docker.WithLogger(a.log.Named("docker")),
			docker.WithOutput(a.stdout, a.stderr),
		), nil
	case "process":
		return process.New(
			process.WithLogger(a.log.Named("process")),
			process.WithOutput(a.stdout, a.stderr),
			process.WithDir(dir),
		), nil
	}
	return nil, &exitError{code: exitConfigError, err: errors.Newf("unknown backend %q", a.cfg.Backend)}
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of stackup",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "stackup version %s\n", version)
		},
	}
}
