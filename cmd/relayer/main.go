// Copyright 2025 Certen Protocol
//
// Relayer daemon entrypoint. Indexes every configured origin chain into its
// own message database and Merkle accumulator, aggregates quorum-signed
// checkpoints from each origin's validator set, and runs one delivery
// pipeline (ISM metadata builder -> operation queue -> message processor)
// per (origin, destination) route. Follows the same flag-parse ->
// config-load -> component-wire -> signal-wait -> graceful-shutdown shape
// as cmd/validator.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/interlayer-xyz/relay-core/pkg/chainadapter"
	"github.com/interlayer-xyz/relay-core/pkg/chainadapter/evm"
	"github.com/interlayer-xyz/relay-core/pkg/chainconfig"
	"github.com/interlayer-xyz/relay-core/pkg/checkpointstore"
	"github.com/interlayer-xyz/relay-core/pkg/errs"
	"github.com/interlayer-xyz/relay-core/pkg/ingest"
	"github.com/interlayer-xyz/relay-core/pkg/ismmeta"
	"github.com/interlayer-xyz/relay-core/pkg/kvdb"
	"github.com/interlayer-xyz/relay-core/pkg/merkleacc"
	"github.com/interlayer-xyz/relay-core/pkg/msgdb"
	"github.com/interlayer-xyz/relay-core/pkg/msgprocessor"
	"github.com/interlayer-xyz/relay-core/pkg/noncemgr"
	"github.com/interlayer-xyz/relay-core/pkg/opmirror"
	"github.com/interlayer-xyz/relay-core/pkg/opqueue"
	"github.com/interlayer-xyz/relay-core/pkg/quorum"
	"github.com/interlayer-xyz/relay-core/pkg/statusapi"
	"github.com/interlayer-xyz/relay-core/pkg/svclog"
	"github.com/interlayer-xyz/relay-core/pkg/svcmetrics"
)

// csvFlag collects a repeated flag's occurrences.
type csvFlag []string

func (f *csvFlag) String() string { return strings.Join(*f, ",") }
func (f *csvFlag) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the chain config YAML")
	var origins csvFlag
	var destinations csvFlag
	flag.Var(&origins, "origin", "chain name to index as a message origin (repeatable)")
	flag.Var(&destinations, "destination", "chain name to deliver messages to (repeatable)")
	var validatorStores csvFlag
	flag.Var(&validatorStores, "validator", "chain=address=checkpointDir triple naming one validator's store for an origin (repeatable)")
	quorumThreshold := flag.Int("quorum-threshold", 1, "number of validators that must agree on a checkpoint")
	dataDir := flag.String("data-dir", "", "directory for per-origin message databases; empty keeps them in memory")
	listenAddr := flag.String("listen-addr", ":8082", "address for the /healthz, /status, and /metrics HTTP surface")
	help := flag.Bool("help", false, "print usage and exit")
	flag.Parse()

	if *help {
		flag.Usage()
		return
	}

	logger := svclog.New("relayer")
	if len(origins) == 0 || len(destinations) == 0 {
		logger.Println("fatal: at least one --origin and one --destination are required")
		os.Exit(2)
	}

	registry := svcmetrics.New()
	errs.Register(registry)
	mirror := opmirror.New(opmirror.NoopSink{}, logger)

	chainSet, err := chainconfig.Load(*configPath, "relayer")
	if err != nil {
		logger.Printf("fatal: load chain config: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	statusSrv := statusapi.New(logger)

	originPipelines := make(map[string]*originPipeline)
	for _, name := range origins {
		cc, ok := chainSet.Chains[name]
		if !ok {
			logger.Printf("fatal: origin chain %q not present in config", name)
			cancel()
			os.Exit(1)
		}
		op, err := buildOriginPipeline(ctx, cc, filterValidatorStores(validatorStores, name), *quorumThreshold, *dataDir)
		if err != nil {
			logger.Printf("fatal: wire origin %s: %v", name, err)
			cancel()
			os.Exit(1)
		}
		originPipelines[name] = op
		go op.indexer.Run(ctx)
		statusSrv.Register("origin:"+name, func(op *originPipeline) statusapi.Checker {
			return func() statusapi.ComponentStatus {
				return statusapi.ComponentStatus{Status: "healthy", Message: fmt.Sprintf("cursor at block %d", op.indexer.Cursor())}
			}
		}(op))
	}

	destAdapters := make(map[uint32]*evm.Adapter)
	destConfigs := make(map[string]chainconfig.ChainConfig)
	for _, name := range destinations {
		cc, ok := chainSet.Chains[name]
		if !ok {
			logger.Printf("fatal: destination chain %q not present in config", name)
			cancel()
			os.Exit(1)
		}
		adapter, err := evm.New(ctx, evm.Config{
			Domain:            cc.Domain,
			Name:              cc.Name,
			RPCURL:            firstRPCURL(cc),
			MailboxAddress:    hexToEVMAddress(cc.Mailbox),
			ValidatorAnnounce: hexToEVMAddress(cc.ValidatorAnnounce),
			ChainID:           int64(cc.Domain),
			SignerKeyHex:      cc.Signer.Key,
		})
		if err != nil {
			logger.Printf("fatal: dial destination %s: %v", name, err)
			cancel()
			os.Exit(1)
		}
		destAdapters[cc.Domain] = adapter
		destConfigs[name] = cc
	}

	destNonceSource := evm.NewNonceSource(destAdapters)
	nonceTracker := noncemgr.New(noncemgr.Config{Source: destNonceSource, GapFiller: destNonceSource, Logger: logger})

	var queues []*opqueue.Queue
	for destName, destCC := range destConfigs {
		destAdapter := destAdapters[destCC.Domain]
		ismReader, err := evm.NewISMReader(destAdapter)
		if err != nil {
			logger.Printf("fatal: build ISM reader for %s: %v", destName, err)
			cancel()
			os.Exit(1)
		}
		signerAddr := ""
		if destCC.Signer.Key != "" {
			signerAddr = deriveAddressHex(destCC.Signer.Key)
		}
		nonceAssigner := noncemgr.BoundToAddress{Tracker: nonceTracker, Address: signerAddr}

		for originName, op := range originPipelines {
			builder := ismmeta.New(ismmeta.Config{
				Reader:      ismReader,
				Quorum:      op.quorum,
				Accumulator: op.accumulator,
			})
			queue := opqueue.New(opqueue.Config{
				Destination: destCC.Domain,
				Adapter:     destAdapter,
				MsgDB:       op.msgDB,
				ISMBuilder:  builder,
				NonceMgr:    nonceAssigner,
				ReorgPeriod: reorgPeriodFrom(destCC),
				Logger:      logger,
			})
			queue.Start(ctx)
			queues = append(queues, queue)

			originDomain := op.domain
			destDomain := destCC.Domain
			proc := msgprocessor.New(msgprocessor.Config{
				Destination: destDomain,
				MsgDB:       op.msgDB,
				Filter: msgprocessor.Filter{
					Allow: []msgprocessor.Predicate{{OriginDomain: &originDomain, DestinationDomain: &destDomain}},
				},
				Submitter: queue,
				Logger:    logger,
			})
			go func() {
				if err := proc.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Printf("message processor for %s->%s exited: %v", originName, destName, err)
				}
			}()
		}
	}

	statusSrv.Register("queues", func() statusapi.ComponentStatus {
		total := 0
		for _, q := range queues {
			total += q.Len()
		}
		status := "healthy"
		if total > 1000 {
			status = "degraded"
		}
		return statusapi.ComponentStatus{Status: status, Message: fmt.Sprintf("%d operations in flight across %d routes", total, len(queues))}
	})

	mux := http.NewServeMux()
	mux.Handle("/", statusSrv.Handler())
	mux.Handle("/metrics", registry.Handler())
	httpServer := &http.Server{Addr: *listenAddr, Handler: mux}

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
	for _, q := range queues {
		q.Stop(5 * time.Second)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown error: %v", err)
	}
}

// originPipeline bundles one origin chain's indexer, message database,
// Merkle accumulator, and validator quorum aggregator.
type originPipeline struct {
	domain      uint32
	indexer     *ingest.Indexer
	msgDB       *msgdb.Store
	accumulator *merkleacc.Accumulator
	quorum      *quorum.Aggregator
}

func buildOriginPipeline(ctx context.Context, cc chainconfig.ChainConfig, validators []string, threshold int, dataDir string) (*originPipeline, error) {
	adapter, err := evm.New(ctx, evm.Config{
		Domain:         cc.Domain,
		Name:           cc.Name,
		RPCURL:         firstRPCURL(cc),
		MailboxAddress: hexToEVMAddress(cc.Mailbox),
		ChainID:        int64(cc.Domain),
	})
	if err != nil {
		return nil, err
	}

	kv, err := openOriginKV(cc.Name, dataDir)
	if err != nil {
		return nil, err
	}
	store := msgdb.New(kv)
	acc := merkleacc.New()

	idx := ingest.New(ingest.Config{
		Indexer:     adapter,
		ReorgPeriod: reorgPeriodFrom(cc),
		MsgDB:       store,
		Accumulator: acc,
	})

	validatorStores := make(map[common.Address]checkpointstore.Store, len(validators))
	for _, v := range validators {
		parts := strings.SplitN(v, "=", 2)
		if len(parts) != 2 {
			continue
		}
		addr := common.HexToAddress(parts[0])
		fsStore, err := checkpointstore.NewFilesystemStore(parts[1])
		if err != nil {
			return nil, err
		}
		validatorStores[addr] = fsStore
	}

	agg := quorum.New(validatorStores, threshold, nil)

	return &originPipeline{domain: cc.Domain, indexer: idx, msgDB: store, accumulator: acc, quorum: agg}, nil
}

// openOriginKV backs each origin's message database with its own GoLevelDB
// directory under dataDir, the same cometbft-db-backed storage pkg/kvdb
// wraps for the validator's replay database. An empty dataDir keeps
// everything in memory, useful for local runs against a devnet.
func openOriginKV(chainName, dataDir string) (msgdb.KV, error) {
	if dataDir == "" {
		return &memKV{data: make(map[string][]byte)}, nil
	}
	db, err := dbm.NewGoLevelDB(chainName, dataDir)
	if err != nil {
		return nil, errs.InternalErr("openOriginKV", err)
	}
	return kvdb.NewKVAdapter(db), nil
}

// memKV is the in-memory fallback KV used when --data-dir is unset.
type memKV struct{ data map[string][]byte }

func (m *memKV) Get(key []byte) ([]byte, error) { return m.data[string(key)], nil }
func (m *memKV) Set(key, value []byte) error {
	cp := append([]byte{}, value...)
	m.data[string(key)] = cp
	return nil
}

func filterValidatorStores(all csvFlag, chain string) []string {
	var out []string
	prefix := chain + "="
	for _, v := range all {
		if strings.HasPrefix(v, prefix) {
			out = append(out, strings.TrimPrefix(v, prefix))
		}
	}
	return out
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

// deriveAddressHex recovers the checksum address for a hex-encoded private
// key, used to bind the nonce manager to this destination's signer.
func deriveAddressHex(hexKey string) string {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return ""
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex()
}
