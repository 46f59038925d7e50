package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/config"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/directory"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/logging"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/routing"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/shard"
)

var (
	directoryURL   string
	shardPassword  string
	monitorAddr    string
	monitorMaster  string
	updateDeadline time.Duration
)

var updateCmd = &cobra.Command{
	Use:   "update SOURCE add|remove SHARD...",
	Short: "Change the shard membership of a source",
	Long: `Sends a membership change to the routing directory, which stores it
and broadcasts it to every router following SOURCE.

add takes shards as id=host:port, remove takes shard ids:
  framedb-router update cam-1 add s2=10.0.0.12:6379
  framedb-router update cam-1 remove s0 s1`,
	Args: cobra.MinimumNArgs(3),
	RunE: runUpdate,
}

func init() {
	f := updateCmd.Flags()
	f.StringVar(&directoryURL, "directory", "", "directory base URL, overrides directory.base_url")
	f.StringVar(&shardPassword, "password", "", "password of the added shards")
	f.StringVar(&monitorAddr, "monitor", "", "failover monitor host:port of the added shards")
	f.StringVar(&monitorMaster, "master-name", "", "master name known to the failover monitor")
	f.DurationVar(&updateDeadline, "timeout", 10*time.Second, "overall deadline")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	sourceID, verb, targets := args[0], args[1], args[2:]

	shardOpts, err := shardOptions(shardPassword, monitorAddr, monitorMaster)
	if err != nil {
		return err
	}

	var update routing.UpdateCommand
	switch verb {
	case "add":
		shards := make([]shard.Descriptor, 0, len(targets))
		for _, arg := range targets {
			d, err := parseShardArg(arg, shardOpts...)
			if err != nil {
				return err
			}
			shards = append(shards, d)
		}
		update = routing.AddCommand(shards...)
	case "remove":
		update = routing.RemoveCommand(targets...)
	default:
		return fmt.Errorf("unknown update %q, want add or remove", verb)
	}

	cfg, err := config.LoadFromFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if directoryURL != "" {
		cfg.Directory.BaseURL = directoryURL
	}
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	client, err := directory.NewClient(cfg.Directory, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), updateDeadline)
	defer cancel()
	if err := client.UpdateMapping(ctx, sourceID, update); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", verb, sourceID, strings.Join(targets, " "))
	return nil
}

// shardOptions builds the descriptor options shared by every added shard
func shardOptions(password, monitor, master string) ([]shard.Option, error) {
	var opts []shard.Option
	if password != "" {
		opts = append(opts, shard.WithPassword(password))
	}
	if monitor == "" && master == "" {
		return opts, nil
	}
	host, port, err := splitAddr(monitor)
	if err != nil {
		return nil, fmt.Errorf("invalid --monitor: %w", err)
	}
	return append(opts, shard.WithFailoverMonitor(shard.Monitor{
		Host:       host,
		Port:       port,
		Password:   password,
		MasterName: master,
	})), nil
}

// parseShardArg parses id=host:port
func parseShardArg(arg string, opts ...shard.Option) (shard.Descriptor, error) {
	id, addr, ok := strings.Cut(arg, "=")
	if !ok {
		return shard.Descriptor{}, fmt.Errorf("shard %q: want id=host:port", arg)
	}
	host, port, err := splitAddr(addr)
	if err != nil {
		return shard.Descriptor{}, fmt.Errorf("shard %q: %w", arg, err)
	}
	return shard.New(id, host, port, opts...)
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("address %q: bad port", addr)
	}
	return host, port, nil
}
