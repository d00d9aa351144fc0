// Copyright 2025 Certen Protocol
//
// Validator daemon entrypoint. Signs checkpoints for one origin chain and
// publishes them to a checkpoint store, following the flag-parse ->
// config-load -> component-wire -> signal-wait -> graceful-shutdown shape
// of the teacher's root main.go.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/interlayer-xyz/relay-core/pkg/chainadapter"
	"github.com/interlayer-xyz/relay-core/pkg/chainadapter/evm"
	"github.com/interlayer-xyz/relay-core/pkg/chainconfig"
	"github.com/interlayer-xyz/relay-core/pkg/checkpointstore"
	"github.com/interlayer-xyz/relay-core/pkg/errs"
	"github.com/interlayer-xyz/relay-core/pkg/ingest"
	"github.com/interlayer-xyz/relay-core/pkg/kvdb"
	"github.com/interlayer-xyz/relay-core/pkg/merkleacc"
	"github.com/interlayer-xyz/relay-core/pkg/model"
	"github.com/interlayer-xyz/relay-core/pkg/msgdb"
	"github.com/interlayer-xyz/relay-core/pkg/opmirror"
	"github.com/interlayer-xyz/relay-core/pkg/statusapi"
	"github.com/interlayer-xyz/relay-core/pkg/svclog"
	"github.com/interlayer-xyz/relay-core/pkg/svcmetrics"
	"github.com/interlayer-xyz/relay-core/pkg/validatorsvc"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the chain config YAML")
	originChain := flag.String("chain", "", "name of the chain this validator signs checkpoints for (required)")
	checkpointDir := flag.String("checkpoint-dir", "", "local directory for the filesystem checkpoint store; empty uses GCS")
	gcsBucket := flag.String("gcs-bucket", "", "GCS bucket for the checkpoint store, when --checkpoint-dir is empty")
	dataDir := flag.String("data-dir", "", "directory for this validator's own replay database; empty keeps it in memory")
	listenAddr := flag.String("listen-addr", ":8081", "address for the /healthz, /status, and /metrics HTTP surface")
	storageLocation := flag.String("storage-location", "", "URI other nodes fetch this validator's checkpoints from (required)")
	help := flag.Bool("help", false, "print usage and exit")
	flag.Parse()

	if *help {
		flag.Usage()
		return
	}

	logger := svclog.New("validator")

	if *originChain == "" || *storageLocation == "" {
		logger.Println("fatal: --chain and --storage-location are required")
		os.Exit(2)
	}

	registry := svcmetrics.New()
	errs.Register(registry)

	chainSet, err := chainconfig.Load(*configPath, "validator")
	if err != nil {
		logger.Printf("fatal: load chain config: %v", err)
		os.Exit(1)
	}
	cc, ok := chainSet.Chains[*originChain]
	if !ok {
		logger.Printf("fatal: chain %q not present in config", *originChain)
		os.Exit(1)
	}
	if cc.Signer.Key == "" {
		logger.Println("fatal: no signing key configured for this chain")
		os.Exit(2)
	}
	signingKey, err := decodeHexKey(cc.Signer.Key)
	if err != nil {
		logger.Printf("fatal: decode signing key: %v", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())

	adapterCfg := evm.Config{
		Domain:            cc.Domain,
		Name:              cc.Name,
		RPCURL:            firstRPCURL(cc),
		MailboxAddress:    hexToEVMAddress(cc.Mailbox),
		ValidatorAnnounce: hexToEVMAddress(cc.ValidatorAnnounce),
		ChainID:           int64(cc.Domain),
		SignerKeyHex:      cc.Signer.Key,
	}
	adapter, err := evm.New(ctx, adapterCfg)
	if err != nil {
		logger.Printf("fatal: dial chain %s: %v", cc.Name, err)
		cancel()
		os.Exit(1)
	}

	var store checkpointstore.Store
	if *checkpointDir != "" {
		fsStore, err := checkpointstore.NewFilesystemStore(*checkpointDir)
		if err != nil {
			logger.Printf("fatal: open filesystem checkpoint store: %v", err)
			cancel()
			os.Exit(1)
		}
		store = fsStore
	} else {
		gcsStore, err := checkpointstore.NewGCSStore(ctx, checkpointstore.GCSStoreConfig{
			Bucket:          *gcsBucket,
			Prefix:          *originChain,
			CredentialsFile: os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"),
		})
		if err != nil {
			logger.Printf("fatal: open GCS checkpoint store: %v", err)
			cancel()
			os.Exit(1)
		}
		store = gcsStore
	}

	mirror := opmirror.New(opmirror.NoopSink{}, logger)

	// The submitter trusts the RPC provider for the chain's current tip, but
	// that same provider can't tell it whether history beneath an
	// already-signed index has been rewritten. So this validator also runs
	// its own indexer against its own accumulator, independent of anything
	// the chainadapter.Reader reports, purely to answer "what root did leaf N
	// close at" from a locally-replayed view.
	accKV, err := openReplayKV(cc.Name, *dataDir)
	if err != nil {
		logger.Printf("fatal: open replay database: %v", err)
		cancel()
		os.Exit(1)
	}
	replayDB := msgdb.New(accKV)
	accumulator := merkleacc.New()
	replayIndexer := ingest.New(ingest.Config{
		Indexer:     adapter,
		ReorgPeriod: reorgPeriodFrom(cc),
		MsgDB:       replayDB,
		Accumulator: accumulator,
		Logger:      logger,
	})
	go func() {
		if err := replayIndexer.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("replay indexer stopped: %v", err)
		}
	}()

	submitter := validatorsvc.New(validatorsvc.Config{
		SigningKey:      signingKey,
		Reader:          adapter,
		Writer:          adapter,
		Store:           store,
		Accumulator:     accumulator,
		ReorgPeriod:     reorgPeriodFrom(cc),
		MailboxAddress:  model.AddressToID32(hexToEVMAddress(cc.Mailbox)),
		MailboxDomain:   cc.Domain,
		StorageLocation: *storageLocation,
		Logger:          logger,
	})

	statusSrv := statusapi.New(logger)
	statusSrv.Register("submitter", func() statusapi.ComponentStatus {
		switch submitter.State() {
		case validatorsvc.StateRunning:
			return statusapi.ComponentStatus{Status: "healthy"}
		case validatorsvc.StateHalted:
			return statusapi.ComponentStatus{Status: "unhealthy", Message: "halted: reorg detected beneath a signed checkpoint"}
		default:
			return statusapi.ComponentStatus{Status: "degraded", Message: "not yet running"}
		}
	})

	mux := http.NewServeMux()
	mux.Handle("/", statusSrv.Handler())
	mux.Handle("/metrics", registry.Handler())
	httpServer := &http.Server{Addr: *listenAddr, Handler: mux}

	if err := submitter.Announce(ctx); err != nil {
		logger.Printf("fatal: announce: %v", err)
		cancel()
		os.Exit(1)
	}
	if err := submitter.Start(ctx); err != nil {
		logger.Printf("fatal: start submitter: %v", err)
		cancel()
		os.Exit(1)
	}

	go func() {
		logger.Printf("listening on %s", *listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("http server error: %v", err)
		}
	}()

	if mirror.IsEnabled() {
		logger.Println("operator mirror enabled")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Println("shutting down")

	cancel()
	submitter.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown error: %v", err)
	}
}

func decodeHexKey(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func hexToEVMAddress(s string) common.Address {
	s = strings.TrimPrefix(s, "0x")
	if len(s) > 40 {
		s = s[len(s)-40:]
	}
	return common.HexToAddress(s)
}

func firstRPCURL(cc chainconfig.ChainConfig) string {
	if len(cc.RPCURLs) == 0 {
		return ""
	}
	return cc.RPCURLs[0]
}

func reorgPeriodFrom(cc chainconfig.ChainConfig) chainadapter.ReorgPeriod {
	return chainadapter.ReorgPeriod{
		Blocks:   cc.ReorgPeriod.Blocks,
		Duration: cc.ReorgPeriod.Duration.AsDuration(),
	}
}

// openReplayKV backs this validator's own replay database with its own
// GoLevelDB directory under dataDir, the same cometbft-db-backed storage
// pkg/kvdb wraps for the relayer's message databases. An empty dataDir keeps
// the replay in memory, rebuilt from genesis on every restart.
func openReplayKV(chainName, dataDir string) (msgdb.KV, error) {
	if dataDir == "" {
		return &memKV{data: make(map[string][]byte)}, nil
	}
	db, err := dbm.NewGoLevelDB(chainName+"-replay", dataDir)
	if err != nil {
		return nil, errs.InternalErr("openReplayKV", err)
	}
	return kvdb.NewKVAdapter(db), nil
}

// memKV is the in-memory fallback KV used when --data-dir is unset.
type memKV struct{ data map[string][]byte }

func (m *memKV) Get(key []byte) ([]byte, error) { return m.data[string(key)], nil }
func (m *memKV) Set(key, value []byte) error {
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}
