package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/0xsequence/ethkit/go-ethereum/common"
	watchtower "github.com/cowprotocol/watchtower"
)

// ChainConfig is one entry of the watch-tower's multi-chain config file:
// one watch-tower instance per chain, or one process fanning out over
// several.
type ChainConfig struct {
	Chain              uint64   `json:"chain"`
	NodeURL            string   `json:"nodeUrl"`
	NodeWSSURL         string   `json:"nodeWssUrl,omitempty"`
	GenesisBlock       uint64   `json:"genesisBlock"`
	ComposableCow      string   `json:"composableCow"`
	SettlementContract string   `json:"settlementContract"`
	OwnerAllowList     []string `json:"ownerAllowList,omitempty"`
}

// Config is the top-level watch-tower config file.
type Config struct {
	OrdersAPIBaseURL    string        `json:"ordersApiBaseUrl"`
	OrdersAPITimeoutSec int           `json:"ordersApiTimeoutSec,omitempty"`
	RedisEnabled        bool          `json:"redisEnabled,omitempty"`
	RedisHost           string        `json:"redisHost,omitempty"`
	RedisPort           int           `json:"redisPort,omitempty"`
	AlertMinIntervalSec int           `json:"alertMinIntervalSec,omitempty"`
	Chains              []ChainConfig `json:"chains"`
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if cfg.OrdersAPITimeoutSec == 0 {
		cfg.OrdersAPITimeoutSec = 10
	}
	if cfg.AlertMinIntervalSec == 0 {
		cfg.AlertMinIntervalSec = 2 * 60 * 60
	}
	return &cfg, nil
}

func (cc ChainConfig) ownerAllowList() map[watchtower.Address]bool {
	if len(cc.OwnerAllowList) == 0 {
		return nil
	}
	out := make(map[watchtower.Address]bool, len(cc.OwnerAllowList))
	for _, s := range cc.OwnerAllowList {
		out[watchtower.Address(common.HexToAddress(s))] = true
	}
	return out
}
