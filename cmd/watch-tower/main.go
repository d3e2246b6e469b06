package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cowprotocol/watchtower/indexer"
	"github.com/cowprotocol/watchtower/metrics"
	"github.com/cowprotocol/watchtower/orderfactory"
	"github.com/cowprotocol/watchtower/ordersapi"
	"github.com/cowprotocol/watchtower/pollengine"
	"github.com/cowprotocol/watchtower/registry"
	"github.com/cowprotocol/watchtower/submission"
	"github.com/cowprotocol/watchtower/types"
	"github.com/cowprotocol/watchtower/util"
	"github.com/cowprotocol/watchtower/watcher"

	"github.com/0xsequence/ethkit/ethrpc"
	"github.com/0xsequence/ethkit/go-ethereum/common"
	memcache "github.com/goware/cachestore-mem"
	rediscache "github.com/goware/cachestore-redis"
	cachestore "github.com/goware/cachestore2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const VERSION = "v0.1"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "watch-tower",
	Short: "watch-tower - indexes conditional orders and submits ready discrete orders",
	Args:  cobra.MinimumNArgs(1),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "watch-tower.json", "path to the watch-tower config file")

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("watch-tower", VERSION)
		},
	}

	var runCmd = &cobra.Command{
		Use:   "run [chain id]",
		Short: "run the watch-tower for a single configured chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			cc, err := findChain(cfg, args[0])
			if err != nil {
				return err
			}
			return runChain(cmd.Context(), cfg, cc)
		},
	}

	var runMultiCmd = &cobra.Command{
		Use:   "run-multi",
		Short: "run the watch-tower for every chain in the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if len(cfg.Chains) == 0 {
				return fmt.Errorf("config has no chains configured")
			}
			group, ctx := errgroup.WithContext(cmd.Context())
			for _, cc := range cfg.Chains {
				cc := cc
				group.Go(func() error {
					return runChain(ctx, cfg, cc)
				})
			}
			return group.Wait()
		},
	}

	var dumpDBCmd = &cobra.Command{
		Use:   "dump-db [chain id]",
		Short: "print the persisted registry for one chain as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			cc, err := findChain(cfg, args[0])
			if err != nil {
				return err
			}
			cache, err := openCache(cfg)
			if err != nil {
				return err
			}
			store := registry.New(cache, nil)
			dump, err := store.Dump(cmd.Context(), types.ChainId(cc.Chain), cc.GenesisBlock)
			if err != nil {
				return err
			}
			fmt.Println(dump)
			return nil
		},
	}

	rootCmd.AddCommand(versionCmd, runCmd, runMultiCmd, dumpDBCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func findChain(cfg *Config, idArg string) (ChainConfig, error) {
	for _, cc := range cfg.Chains {
		if fmt.Sprintf("%d", cc.Chain) == idArg {
			return cc, nil
		}
	}
	return ChainConfig{}, fmt.Errorf("chain %s not present in config", idArg)
}

func openCache(cfg *Config) (cachestore.Store[[]byte], error) {
	if cfg.RedisEnabled {
		backend, err := rediscache.NewBackend(&rediscache.Config{
			Enabled: true,
			Host:    cfg.RedisHost,
			Port:    uint16(cfg.RedisPort),
		})
		if err != nil {
			return nil, fmt.Errorf("opening redis cachestore: %w", err)
		}
		return cachestore.OpenStore[[]byte](backend), nil
	}
	return memcache.NewCacheWithSize[[]byte](10000)
}

// runChain wires every component for one chain and runs the chain
// watcher until ctx is cancelled.
func runChain(ctx context.Context, cfg *Config, cc ChainConfig) error {
	logger := slog.Default().With("chain", cc.Chain)

	provider, err := ethrpc.NewProvider(cc.NodeURL, ethrpc.WithStreaming(cc.NodeWSSURL), ethrpc.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("chain %d: connecting provider: %w", cc.Chain, err)
	}

	cache, err := openCache(cfg)
	if err != nil {
		return fmt.Errorf("chain %d: %w", cc.Chain, err)
	}

	reg := prometheus.DefaultRegisterer
	m := metrics.New(reg)

	chainID := types.ChainId(cc.Chain)
	store := registry.New(cache, m)

	ix := indexer.New(indexer.Options{
		Chain:          chainID,
		OwnerAllowList: cc.ownerAllowList(),
		Metrics:        m,
	})

	apiClient := ordersapi.New(cfg.OrdersAPIBaseURL, time.Duration(cfg.OrdersAPITimeoutSec)*time.Second)
	gate := submission.New(apiClient, chainID, m)

	composableCow := common.HexToAddress(cc.ComposableCow)
	if err := pollengine.VerifyComposableCow(ctx, provider, composableCow); err != nil {
		return fmt.Errorf("chain %d: %w", cc.Chain, err)
	}

	engine := pollengine.New(pollengine.Options{
		Chain:              chainID,
		SettlementContract: common.HexToAddress(cc.SettlementContract),
		Caller:             provider,
		Factory:            orderfactory.Legacy(),
		Submitter:          gate,
		Metrics:            m,
	})

	alerter := util.NewThrottledAlerter(util.NoopAlerter(), time.Duration(cfg.AlertMinIntervalSec)*time.Second)

	cw := watcher.New(watcher.Options{
		Chain:        chainID,
		GenesisBlock: cc.GenesisBlock,
		ReplayAtHead: true,
		Metrics:      m,
		Alerter:      alerter,
	}, provider, store, ix, engine)

	logger.Info("watch-tower starting", "composableCow", cc.ComposableCow)
	if err := cw.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("chain %d: %w", cc.Chain, err)
	}
	return nil
}
