// Command nightwatch runs the on-device vital-signs monitor.
//
// Usage:
//
//	nightwatch run [--config PATH] [--mock-sensors] [--force-setup]
//	nightwatch calibrate <detector>
//	nightwatch test-alert <severity>
//
// Exit codes: 0 clean exit, 2 invalid configuration, 3 hardware init
// failed, 4 unexpected fatal error.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"nightwatch/internal/config"
	"nightwatch/internal/model"
	"nightwatch/internal/notifier"
	"nightwatch/internal/orchestrator"
)

const (
	exitOK       = 0
	exitConfig   = 2
	exitHardware = 3
	exitFatal    = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitConfig
	}

	switch args[0] {
	case "run":
		return cmdRun(args[1:])
	case "calibrate":
		return cmdCalibrate(args[1:])
	case "test-alert":
		return cmdTestAlert(args[1:])
	case "-h", "--help", "help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "nightwatch: unknown command %q\n", args[0])
		usage()
		return exitConfig
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  nightwatch run [--config PATH] [--mock-sensors] [--force-setup]
  nightwatch calibrate <detector>
  nightwatch test-alert <severity>`)
}

// loadConfig applies the flag > env > default path precedence, then
// the environment overrides.
func loadConfig(flagPath string, mockFlag bool) (*config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(flagPath))
	if err != nil {
		return nil, err
	}
	if mockFlag {
		cfg.MockSensors = true
	}
	if v := os.Getenv("NIGHTWATCH_MOCK"); v != "" {
		if b, perr := strconv.ParseBool(v); perr == nil && b {
			cfg.MockSensors = true
		}
	}
	if v := os.Getenv("NIGHTWATCH_LOG_LEVEL"); v != "" {
		cfg.System.LogLevel = v
	}
	return cfg, nil
}

func newLogger(level string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "nightwatch",
	})
	switch level {
	case "trace", "debug":
		logger.SetLevel(log.DebugLevel)
	case "warn":
		logger.SetLevel(log.WarnLevel)
	case "error":
		logger.SetLevel(log.ErrorLevel)
	default:
		logger.SetLevel(log.InfoLevel)
	}
	return logger
}

func cmdRun(args []string) int {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to configuration file")
	mockSensors := fs.Bool("mock-sensors", false, "substitute deterministic synthetic drivers")
	forceSetup := fs.Bool("force-setup", false, "re-enter first-boot setup on next start")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := loadConfig(*configPath, *mockSensors)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nightwatch: %v\n", err)
		return exitConfig
	}
	logger := newLogger(cfg.System.LogLevel)
	if *forceSetup {
		// Setup itself is owned by the external provisioning system;
		// the flag is accepted so the installer can pass it through.
		logger.Info("force-setup requested; setup runs outside this process")
	}

	orch, err := orchestrator.New(cfg, logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nightwatch: %v\n", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", "mock_sensors", cfg.MockSensors)
	if err := orch.Run(ctx); err != nil {
		if errors.Is(err, orchestrator.ErrAllHardwareFailed) {
			logger.Error("hardware init failed", "err", err)
			return exitHardware
		}
		logger.Error("fatal", "err", err)
		return exitFatal
	}
	logger.Info("clean shutdown")
	return exitOK
}

func cmdCalibrate(args []string) int {
	fs := pflag.NewFlagSet("calibrate", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "nightwatch: calibrate requires exactly one detector name")
		return exitConfig
	}

	cfg, err := loadConfig(*configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nightwatch: %v\n", err)
		return exitConfig
	}
	logger := newLogger(cfg.System.LogLevel)

	params, err := orchestrator.Calibrate(cfg, fs.Arg(0), logger)
	if err != nil {
		logger.Error("calibration failed", "detector", fs.Arg(0), "err", err)
		return exitHardware
	}
	for k, v := range params {
		fmt.Printf("%s: %g\n", k, v)
	}
	return exitOK
}

func cmdTestAlert(args []string) int {
	fs := pflag.NewFlagSet("test-alert", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to configuration file")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "nightwatch: test-alert requires a severity (warning|critical)")
		return exitConfig
	}
	sev := model.Severity(fs.Arg(0))
	if sev != model.SeverityWarning && sev != model.SeverityCritical {
		fmt.Fprintf(os.Stderr, "nightwatch: invalid severity %q\n", fs.Arg(0))
		return exitConfig
	}

	cfg, err := loadConfig(*configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nightwatch: %v\n", err)
		return exitConfig
	}
	logger := newLogger(cfg.System.LogLevel)

	// Drive the configured push sink directly so the operator sees the
	// same delivery path a real alert would take.
	if !cfg.Notifiers.Push.Enabled {
		logger.Info("push notifier disabled; nothing to deliver")
		return exitOK
	}
	sink := notifier.NewPushSink(cfg.Notifiers.Push.Provider, cfg.Notifiers.Push.Endpoint,
		cfg.Notifiers.Push.Credentials, logger)
	a := testAlert(sev)
	if err := sink.Notify(context.Background(), a); err != nil {
		logger.Error("test alert delivery failed", "err", err)
		return exitFatal
	}
	logger.Info("test alert delivered", "severity", sev)
	return exitOK
}

func testAlert(sev model.Severity) model.Alert {
	now := time.Now()
	return model.Alert{
		AlertID:     fmt.Sprintf("test-%d", now.UnixMilli()),
		RuleName:    "test",
		Level:       sev,
		Source:      "operator",
		Message:     fmt.Sprintf("test alert (%s)", sev),
		TriggeredAt: now,
	}
}
