package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"workledger/config"
	"workledger/core"
	"workledger/crypto"
	"workledger/observability/logging"
	"workledger/rpc"
	"workledger/storage"
)

const operatorPassEnv = "WORKLEDGER_OPERATOR_PASS"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	env := strings.TrimSpace(cfg.Environment)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("WORKLEDGER_ENV"))
	}
	logger := logging.Setup("workledgerd", env, logging.Options{
		FilePath:   cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	operatorKey, err := crypto.LoadFromKeystore(cfg.OperatorKeystorePath, os.Getenv(operatorPassEnv))
	if err != nil {
		logger.Error("Failed to load operator key", slog.Any("error", err))
		os.Exit(1)
	}
	operatorAddr := operatorKey.PubKey().Address()
	logger.Info("operator key loaded", "address", operatorAddr.String())

	node, err := core.NewNode(db, core.Options{
		ChallengePeriodSeconds: cfg.ChallengePeriodSeconds,
		ValidatorPoolFile:      cfg.ValidatorPoolFile,
		Logger:                 logger,
	})
	if err != nil {
		logger.Error("Failed to assemble node", slog.Any("error", err))
		os.Exit(1)
	}

	server := rpc.NewServer(node, rpc.ServerOptions{
		RatePerSecond:   cfg.RPCRateLimitPerSecond,
		MaxRequestBytes: cfg.RPCRequestBodyLimit,
		Logger:          logger,
	})
	logger.Info("workledgerd starting",
		"network", cfg.NetworkName,
		"rpc", cfg.RPCAddress,
		"dataDir", cfg.DataDir,
	)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
