package command

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/wehriam/awspider/command/agent"
	"github.com/wehriam/awspider/version"
)

// AgentCommand runs the long-lived agent process.
type AgentCommand struct {
	Meta
}

func (c *AgentCommand) Help() string {
	helpText := `
Usage: awspider agent [options]

  Starts the awspider agent with the configured roles and blocks until
  signalled to stop.

Options:

  -config=<path>
    Path to an HCL or JSON configuration file. May be given multiple
    times; later files are merged over earlier ones.

  -role=<role>
    Role to run: interface, scheduler, or worker. May be given multiple
    times. Overrides the roles from the config files.

  -bind=<addr>
    Address to bind the HTTP interface to.

  -http-port=<port>
    Port for the HTTP interface.

  -log-level=<level>
    Log verbosity: trace, debug, info, warn, or error.
`
	return strings.TrimSpace(helpText)
}

func (c *AgentCommand) Synopsis() string {
	return "Runs an awspider agent"
}

func (c *AgentCommand) Run(args []string) int {
	var configPaths, roles stringsFlag
	var bindAddr, logLevel string
	var httpPort int

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.Var(&configPaths, "config", "config file")
	flags.Var(&roles, "role", "role to run")
	flags.StringVar(&bindAddr, "bind", "", "bind address")
	flags.IntVar(&httpPort, "http-port", 0, "http port")
	flags.StringVar(&logLevel, "log-level", "", "log level")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	config := agent.DefaultConfig()
	for _, path := range configPaths {
		fileConfig, err := agent.ParseConfigFile(path)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error loading configuration from %s: %s", path, err))
			return 1
		}
		config = config.Merge(fileConfig)
	}
	config = config.Merge(&agent.Config{
		Roles:    roles,
		BindAddr: bindAddr,
		LogLevel: logLevel,
		Ports:    &agent.Ports{HTTP: httpPort},
	})
	if err := config.Validate(); err != nil {
		c.Ui.Error(fmt.Sprintf("Invalid configuration: %s", err))
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "awspider",
		Level: hclog.LevelFromString(config.LogLevel),
	})
	logger.Info("starting agent", "version", version.GetHumanVersion(),
		"roles", strings.Join(config.Roles, ","))

	ctx := context.Background()
	deps, pool, rdb, err := agent.BuildDeps(ctx, config, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error connecting to external services: %s", err))
		return 1
	}

	a, err := agent.NewAgent(config, deps, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error building agent: %s", err))
		return 1
	}
	a.AttachCloseables(pool, rdb)

	if err := a.Start(ctx); err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting agent: %s", err))
		return 1
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("caught signal, shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		c.Ui.Error(fmt.Sprintf("Error during shutdown: %s", err))
		return 1
	}
	return 0
}

// stringsFlag collects a repeatable flag.
type stringsFlag []string

func (s *stringsFlag) String() string { return strings.Join(*s, ",") }

func (s *stringsFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}
