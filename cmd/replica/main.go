// Command replica runs one shardguard replica process. Grounded on the
// teacher's main() (arg-parsed server id, key loading, peer discovery,
// StartServer, select{}), restructured through cobra subcommands per
// SPEC_FULL.md's ambient CLI section.
package main

import (
	"crypto/rsa"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shardguard/shardguard/internal/config"
	"github.com/shardguard/shardguard/internal/crypto"
	"github.com/shardguard/shardguard/internal/message"
	"github.com/shardguard/shardguard/internal/partition"
	"github.com/shardguard/shardguard/internal/replica"
	"github.com/shardguard/shardguard/internal/transport"
	"github.com/shardguard/shardguard/internal/truetime"
	"github.com/shardguard/shardguard/internal/txn"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "replica",
		Short: "shardguard BFT replica",
	}
	root.AddCommand(serveCmd(), genKeysCmd())
	return root
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run a replica process, serving until killed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "replica.toml", "path to the replica's TOML config")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	zapLog, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer zapLog.Sync()
	log := zapLog.Sugar()

	self := crypto.ProcessID(cfg.GroupIndex*uint64(cfg.GroupSize) + cfg.ReplicaIndex)

	km, err := buildKeyManager(cfg, self)
	if err != nil {
		return err
	}

	peers := make(map[txn.GroupID]map[uint64]string)
	for key, addr := range cfg.Peers {
		var group, idx uint64
		if _, err := fmt.Sscanf(key, "%d:%d", &group, &idx); err != nil {
			log.Warnw("serve: skipping malformed peer key", "key", key)
			continue
		}
		if peers[txn.GroupID(group)] == nil {
			peers[txn.GroupID(group)] = make(map[uint64]string)
		}
		peers[txn.GroupID(group)][idx] = addr
	}

	selfAddr := message.Address{Net: cfg.ListenAddr, Group: txn.GroupID(cfg.GroupIndex), Replica: cfg.ReplicaIndex}
	trans := transport.NewRPCTransport(selfAddr, peers, log)

	part := partition.NewModPartitioner(cfg.NumGroups)
	clock := truetime.NewSystemClock(uint64(self))

	r := replica.New(cfg, part, trans, km, clock, log)
	go r.Run()

	log.Infow("serve: listening", "addr", cfg.ListenAddr, "group", cfg.GroupIndex, "replica", cfg.ReplicaIndex)
	return trans.Serve(cfg.ListenAddr)
}

func buildKeyManager(cfg config.Config, self crypto.ProcessID) (crypto.KeyManager, error) {
	if !cfg.SignedMessages {
		return crypto.NullKeyManager{}, nil
	}
	priv, err := crypto.LoadRSAPrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	pub := make(map[crypto.ProcessID]*rsa.PublicKey, len(cfg.Peers))
	for key := range cfg.Peers {
		var group, idx uint64
		if _, err := fmt.Sscanf(key, "%d:%d", &group, &idx); err != nil {
			continue
		}
		id := crypto.ProcessID(group*uint64(cfg.GroupSize) + idx)
		path := fmt.Sprintf("%s/%d.pub.pem", cfg.PublicKeyDir, id)
		pubKey, err := crypto.LoadRSAPublicKey(path)
		if err != nil {
			return nil, err
		}
		pub[id] = pubKey
	}
	return crypto.NewRSAKeyManager(self, priv, pub), nil
}

func genKeysCmd() *cobra.Command {
	var privPath, pubPath string
	cmd := &cobra.Command{
		Use:   "genkeys",
		Short: "generate an RSA keypair for a replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			return crypto.GenerateAndSaveKeyPair(privPath, pubPath)
		},
	}
	cmd.Flags().StringVar(&privPath, "private", "replica_private.pem", "output path for the private key")
	cmd.Flags().StringVar(&pubPath, "public", "replica_public.pem", "output path for the public key")
	return cmd
}
