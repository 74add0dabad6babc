package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hibiken/asynq"

	"github.com/stacks-network/sbtc-signer/api"
	"github.com/stacks-network/sbtc-signer/config"
	"github.com/stacks-network/sbtc-signer/internal/bitcoin"
	"github.com/stacks-network/sbtc-signer/internal/blocklist"
	"github.com/stacks-network/sbtc-signer/internal/chainstate"
	"github.com/stacks-network/sbtc-signer/internal/coordinator"
	"github.com/stacks-network/sbtc-signer/internal/decider"
	"github.com/stacks-network/sbtc-signer/internal/dkg"
	"github.com/stacks-network/sbtc-signer/internal/emily"
	"github.com/stacks-network/sbtc-signer/internal/keys"
	"github.com/stacks-network/sbtc-signer/internal/logging"
	"github.com/stacks-network/sbtc-signer/internal/metrics"
	"github.com/stacks-network/sbtc-signer/internal/network"
	"github.com/stacks-network/sbtc-signer/internal/observer"
	"github.com/stacks-network/sbtc-signer/internal/policy"
	"github.com/stacks-network/sbtc-signer/internal/round"
	"github.com/stacks-network/sbtc-signer/internal/signer"
	"github.com/stacks-network/sbtc-signer/internal/stacks"
	"github.com/stacks-network/sbtc-signer/internal/stacksclient"
	"github.com/stacks-network/sbtc-signer/internal/validation"
	"github.com/stacks-network/sbtc-signer/internal/wire"
	"github.com/stacks-network/sbtc-signer/storage"
	"github.com/stacks-network/sbtc-signer/storage/postgres"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	migrateOnly := flag.Bool("migrate-db", false, "run database migrations and exit")
	flag.Parse()

	if err := run(*configPath, *migrateOnly); err != nil {
		logging.Logger.WithError(err).Error("signer exited with a fatal error")
		os.Exit(1)
	}
}

func run(configPath string, migrateOnly bool) error {
	cfg, err := config.ReadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := postgres.New(cfg.Postgres.Dsn)
	if err != nil {
		return err
	}
	defer store.Close()
	if migrateOnly {
		logging.Logger.Info("database migrations applied")
		return nil
	}

	privateKey, err := keys.ParsePrivateKeyHex(cfg.Signer.PrivateKey)
	if err != nil {
		return err
	}
	bootstrapKey, err := keys.ParsePublicKeyHex(cfg.Signer.BootstrapAggregateKey)
	if err != nil {
		return err
	}
	members := make([]keys.PublicKey, 0, len(cfg.Signer.Peers))
	for _, peer := range cfg.Signer.Peers {
		pk, err := keys.ParsePublicKeyHex(peer)
		if err != nil {
			return err
		}
		members = append(members, pk)
	}
	keys.SortPublicKeys(members)

	chainParams, err := networkParams(cfg.Signer.Network)
	if err != nil {
		return err
	}
	deployer, _, err := stacks.ParsePrincipalHex(cfg.Stacks.DeployerAddress)
	if err != nil {
		return err
	}

	metricsClient, err := metrics.New(cfg.Metrics.StatsdAddr)
	if err != nil {
		return err
	}
	defer metricsClient.Close()

	redisStore, err := storage.NewRedisStorage(cfg)
	if err != nil {
		return err
	}
	defer redisStore.Close()

	transport := network.NewRedisTransport(redisStore, metricsClient)
	defer transport.Close()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	queue := asynq.NewClient(redisOpt)
	defer queue.Close()

	bitcoinClient, err := bitcoin.NewRPCClient(cfg)
	if err != nil {
		return err
	}
	defer bitcoinClient.Shutdown()

	stacksClient := stacksclient.New(cfg.Stacks.Endpoints)
	emilyClient := emily.NewClient(cfg.Emily.Endpoints)
	blocklistClient := blocklist.New(cfg.Blocklist.Endpoint, cfg.Blocklist.RetryDelay)

	view := chainstate.New(store, cfg.Signer.ContextWindow, bootstrapKey)

	selector := &policy.Selector{
		Store:       store,
		Threshold:   cfg.Signer.SigningThreshold,
		SetSize:     len(members),
		MaxDeposits: cfg.Signer.MaxDepositsPerBitcoinTx,
		Self:        privateKey.PublicKey(),
	}
	validator := &validation.Validator{
		View:              view,
		Store:             store,
		Selector:          selector,
		FeeRate:           cfg.Signer.FeeRateSatsPerVbyte,
		FeeTolerance:      cfg.Signer.FeeTolerance,
		StacksFeesMaxUstx: cfg.Signer.StacksFeesMaxUstx,
	}
	requestDecider := &decider.RequestDecider{
		Store:            store,
		View:             view,
		Transport:        transport,
		PrivateKey:       privateKey,
		ChainParams:      chainParams,
		DepositWindow:    cfg.Signer.DepositDecisionsRetryWindow,
		WithdrawalWindow: cfg.Signer.WithdrawalDecisionsRetryWindow,
	}
	if blocklistClient != nil {
		requestDecider.Blocklist = blocklistClient
	}

	mux := round.NewMux()
	acks := make(chan *wire.Message, 64)
	coord := &coordinator.Coordinator{
		Cfg:        cfg,
		Store:      store,
		View:       view,
		Transport:  transport,
		Bitcoin:    bitcoinClient,
		Stacks:     stacksClient,
		Selector:   selector,
		Mux:        mux,
		Metrics:    metricsClient,
		PrivateKey: privateKey,
		Members:    members,
		Acks:       acks,
		Queue:      queue,
		Deployer:   deployer,
	}

	node := &signer.Signer{
		Cfg:           cfg,
		Store:         store,
		View:          view,
		Transport:     transport,
		BitcoinClient: bitcoinClient,
		Emily:         emilyClient,
		Decider:       requestDecider,
		Validator:     validator,
		Coordinator:   coord,
		Mux:           mux,
		Metrics:       metricsClient,
		PrivateKey:    privateKey,
		Members:       members,
		Queue:         queue,
		Acks:          acks,
	}

	// Rehydrate the share in force from the last verified DKG output.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if shares, err := store.GetLatestVerifiedDkgShares(ctx); err == nil {
		share, err := dkg.OpenSignerShare(shares, privateKey)
		if err != nil {
			return err
		}
		node.SetShare(share)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	var backup *storage.ShareBackup
	if cfg.Backup.Bucket != "" {
		if backup, err = storage.NewShareBackup(cfg); err != nil {
			return err
		}
	}
	worker := &signer.Worker{Emily: emilyClient, Backup: backup}

	stream := bitcoin.NewHashBlockStream(cfg.Bitcoin.ZmqEndpoints)
	bitcoinObserver := observer.NewBitcoinObserver(bitcoinClient, view, store, stream)
	eventServer := api.NewServer(cfg.Stacks.EventObserverAddr, store)

	fatal := make(chan error, 4)
	go func() { fatal <- bitcoinObserver.Run(ctx) }()
	go func() { fatal <- eventServer.Start(ctx) }()
	go func() { fatal <- worker.Run(ctx, redisOpt) }()
	go func() { fatal <- node.Run(ctx) }()

	err = <-fatal
	cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Logger.Info("signer shut down cleanly")
	return nil
}

func networkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, errors.New("unknown bitcoin network " + name)
	}
}
