package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the single immutable configuration value built at startup. It is
// handed to each subsystem by value and never mutated afterwards.
type Config struct {
	Signer struct {
		// Hex encoded secp256k1 private key used for signing gossip
		// messages and for the signer's WSTS key shares.
		PrivateKey string
		// Hex encoded compressed public key the peg was bootstrapped
		// with, in force until the first DKG round is verified on chain.
		BootstrapAggregateKey string
		// Hex encoded compressed public keys of the full signer set,
		// including our own.
		Peers []string
		// Number of signers that must agree before the peg can move.
		SigningThreshold uint16
		// How many bitcoin blocks back the signer keeps non-canonical
		// blocks and looks for pending requests.
		ContextWindow uint32
		// bitcoin network: mainnet, testnet3 or regtest
		Network string

		SbtcBitcoinStartHeight           int64
		DepositDecisionsRetryWindow      uint32
		WithdrawalDecisionsRetryWindow   uint32
		MaxDepositsPerBitcoinTx          int
		BitcoinProcessingDelay           time.Duration
		BitcoinPresignRequestMaxDuration time.Duration
		SignerRoundMaxDuration           time.Duration
		FeeRateSatsPerVbyte              float64
		FeeTolerance                     uint64
		StacksFeesMaxUstx                uint64

		Dkg struct {
			MaxDuration           time.Duration
			BeginPause            time.Duration
			VerificationWindow    uint32
			MinBitcoinBlockHeight int64
			TargetRounds          uint32
		}
	}

	Bitcoin struct {
		// JSON-RPC endpoints, tried in random order with failover.
		RpcEndpoints []string
		RpcUser      string
		RpcPassword  string
		// ZMQ hashblock endpoints, tried in declared order.
		ZmqEndpoints []string
	}

	Stacks struct {
		Endpoints []string
		// Address the event observer binds; the stacks node POSTs
		// block and contract events here.
		EventObserverAddr string
		DeployerAddress   string
	}

	Emily struct {
		Endpoints []string
	}

	Blocklist struct {
		// Empty endpoint means every request passes screening.
		Endpoint   string
		RetryDelay time.Duration
	}

	Postgres struct {
		Dsn string
	}

	Redis struct {
		Host     string
		Port     string
		User     string
		Password string
		DB       int
	}

	Metrics struct {
		StatsdAddr string
	}

	Backup struct {
		// Optional S3-compatible bucket for encrypted DKG share backups.
		Bucket    string
		Host      string
		Region    string
		AccessKey string
		SecretKey string
	}
}

// ReadConfig reads the configuration file at path and applies environment
// overrides of the form SIGNER_<SECTION>__<KEY>.
func ReadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SIGNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("fail to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("fail to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("signer.contextwindow", 1000)
	v.SetDefault("signer.depositdecisionsretrywindow", 3)
	v.SetDefault("signer.withdrawaldecisionsretrywindow", 3)
	v.SetDefault("signer.maxdepositsperbitcointx", 25)
	v.SetDefault("signer.bitcoinprocessingdelay", "0s")
	v.SetDefault("signer.bitcoinpresignrequestmaxduration", "30s")
	v.SetDefault("signer.signerroundmaxduration", "30s")
	v.SetDefault("signer.network", "mainnet")
	v.SetDefault("signer.dkg.maxduration", "120s")
	v.SetDefault("signer.dkg.beginpause", "0s")
	v.SetDefault("signer.dkg.verificationwindow", 10)
	v.SetDefault("signer.dkg.targetrounds", 1)
	v.SetDefault("blocklist.retrydelay", "1s")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
}

// Validate fails closed: anything security critical without a sane default is
// an error, not a guess.
func (c Config) Validate() error {
	if c.Signer.PrivateKey == "" {
		return fmt.Errorf("signer.privatekey is required")
	}
	if c.Signer.BootstrapAggregateKey == "" {
		return fmt.Errorf("signer.bootstrapaggregatekey is required")
	}
	if len(c.Signer.Peers) == 0 {
		return fmt.Errorf("signer.peers is required")
	}
	if c.Signer.SigningThreshold == 0 {
		return fmt.Errorf("signer.signingthreshold must be positive")
	}
	if int(c.Signer.SigningThreshold) > len(c.Signer.Peers) {
		return fmt.Errorf("signer.signingthreshold %d exceeds signer set size %d",
			c.Signer.SigningThreshold, len(c.Signer.Peers))
	}
	if len(c.Bitcoin.RpcEndpoints) == 0 {
		return fmt.Errorf("bitcoin.rpcendpoints is required")
	}
	if len(c.Stacks.Endpoints) == 0 {
		return fmt.Errorf("stacks.endpoints is required")
	}
	if c.Postgres.Dsn == "" {
		return fmt.Errorf("postgres.dsn is required")
	}
	return nil
}
