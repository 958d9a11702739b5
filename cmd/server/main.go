package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"escrowchan/internal/config"
	"escrowchan/internal/escrow"
	"escrowchan/internal/idempotency"
	"escrowchan/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()

	var store idempotency.Store
	if cfg.Service.PostgresDSN != "" {
		pgStore, err := idempotency.NewPostgresStore(ctx, cfg.Service.PostgresDSN)
		if err != nil {
			log.Fatalf("postgres store error: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
	} else {
		fileStore, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			log.Fatalf("idempotency store error: %v", err)
		}
		store = fileStore
	}

	var (
		ledger  escrow.Ledger
		account escrow.Account
	)
	if cfg.Chain.PrivateKey != "" {
		ethLedger, err := escrow.NewEthLedger(ctx, escrow.EthLedgerConfig{
			RPCURL:           cfg.Chain.RPCURL,
			EscrowAddress:    cfg.Deployment.Contracts.MultiPartyEscrow,
			DeploymentTxHash: cfg.Deployment.EscrowDeploymentTxHash,
		})
		if err != nil {
			log.Fatalf("ledger error: %v", err)
		}
		ethAccount, err := escrow.NewEthAccount(ctx, ethLedger.RPCClient(), escrow.EthAccountConfig{
			PrivateKeyHex: cfg.Chain.PrivateKey,
			EscrowAddress: cfg.Deployment.Contracts.MultiPartyEscrow,
			TokenAddress:  cfg.Deployment.Contracts.Token,
		})
		if err != nil {
			log.Fatalf("account error: %v", err)
		}
		ledger = ethLedger
		account = ethAccount
	} else {
		// No signing key configured: run against the in-memory ledger so the
		// API can be exercised locally without a chain.
		log.Printf("no private key configured, using in-memory ledger")
		fake := escrow.NewFakeLedger()
		ledger = fake
		account = escrow.NewFakeAccount(fake, common.HexToAddress("0x00000000000000000000000000000000000000aa"))
	}

	client := escrow.NewClient(ledger)
	apiServer := server.NewServer(cfg, client, account, store)

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("server stopped: %v", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownGrace)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
}
