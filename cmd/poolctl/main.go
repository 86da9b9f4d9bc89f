// Package main implements poolctl, the operator and member tool for the pool:
// key and address helpers, a reference miner, and readers for the pool's
// announcement, event and ledger streams.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/bardlex/orepool/pkg/log"
)

const (
	flagURL         = "url"
	flagKey         = "key"
	flagLimit       = "limit"
	flagCount       = "count"
	flagProgram     = "program"
	flagOreProgram  = "ore-program"
	flagOperator    = "operator"
	flagAuthority   = "authority"
	flagBeneficiary = "beneficiary"
	flagRound       = "round"
	flagMember      = "member"
	flagAmount      = "amount"
	flagEndpoint    = "endpoint"
	flagBrokers     = "brokers"
	flagTopic       = "topic"
	flagGroup       = "group"
	flagPostgres    = "postgres"
	flagAttestation = "attestation"
	flagDigest      = "digest"
	flagNonce       = "nonce"
	flagMint        = "mint"
	flagMiner       = "miner"
	flagLogLevel    = "log-level"
)

var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "poolctl"
	app.Usage = "inspect and exercise a mining pool"
	app.Version = version
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: flagLogLevel, Value: "warn", Usage: "log `LEVEL` of background clients"},
	}

	urlFlag := &cli.StringFlag{Name: flagURL, Value: "http://localhost:3000", EnvVar: "POOL_URL", Usage: "pool API `URL`"}
	keyFlag := &cli.StringFlag{Name: flagKey, EnvVar: "POOL_MEMBER_KEY_SEED", Usage: "hex ed25519 `SEED` of the member authority"}
	postgresFlag := &cli.StringFlag{Name: flagPostgres, EnvVar: "POSTGRES_URL", Usage: "ledger database `URL`"}

	app.Commands = []cli.Command{
		{
			Name:   "keygen",
			Usage:  "generate a member key",
			Action: cmdKeygen,
		},
		{
			Name:   "pda",
			Usage:  "derive the pool, proof, member and batch addresses",
			Action: cmdPDA,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: flagProgram, EnvVar: "POOL_PROGRAM_ID", Usage: "pool program `ID`"},
				&cli.StringFlag{Name: flagOreProgram, EnvVar: "ORE_PROGRAM_ID", Usage: "mining program `ID`"},
				&cli.StringFlag{Name: flagOperator, Usage: "operator `PUBKEY`"},
				&cli.StringFlag{Name: flagAuthority, Usage: "member authority `PUBKEY`"},
				&cli.Uint64Flag{Name: flagRound, Usage: "round `ID` of the batch account"},
			},
		},
		{
			Name:   "encode-submit",
			Usage:  "encode the Submit instruction of a round",
			Action: cmdEncodeSubmit,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: flagProgram, EnvVar: "POOL_PROGRAM_ID", Usage: "pool program `ID`"},
				&cli.StringFlag{Name: flagOreProgram, EnvVar: "ORE_PROGRAM_ID", Usage: "mining program `ID`"},
				&cli.StringFlag{Name: flagOperator, Usage: "operator `PUBKEY`"},
				&cli.Uint64Flag{Name: flagRound, Usage: "round `ID`"},
				&cli.StringFlag{Name: flagAttestation, Usage: "hex attestation `ROOT`"},
				&cli.StringFlag{Name: flagDigest, Usage: "hex 16-byte `DIGEST` of the best solution"},
				&cli.Uint64Flag{Name: flagNonce, Usage: "`NONCE` of the best solution"},
			},
		},
		{
			Name:      "decode-member",
			Usage:     "decode the member id from Open return data",
			ArgsUsage: "BASE64",
			Action:    cmdDecodeMember,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: flagProgram, EnvVar: "POOL_PROGRAM_ID", Usage: "pool program `ID`"},
			},
		},
		{
			Name:   "register",
			Usage:  "register the member key with the pool",
			Action: cmdRegister,
			Flags:  []cli.Flag{urlFlag, keyFlag},
		},
		{
			Name:   "mine",
			Usage:  "search the assigned nonce range and contribute solutions",
			Action: cmdMine,
			Flags: []cli.Flag{
				urlFlag, keyFlag,
				&cli.Uint64Flag{Name: flagLimit, Value: 1 << 20, Usage: "nonces to try per round"},
				&cli.IntFlag{Name: flagCount, Value: 1, Usage: "contributions to make, 0 for unlimited"},
			},
		},
		{
			Name:   "watch",
			Usage:  "print challenge announcements",
			Action: cmdWatch,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: flagEndpoint, Value: "tcp://localhost:28400", EnvVar: "ZMQ_PUB_ADDR", Usage: "announcement `ENDPOINT`"},
			},
		},
		{
			Name:   "audit",
			Usage:  "print pool events from kafka",
			Action: cmdAudit,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: flagBrokers, Value: "localhost:9092", EnvVar: "KAFKA_BROKERS", Usage: "comma separated `BROKERS`"},
				&cli.StringFlag{Name: flagTopic, Value: "rounds", Usage: "one of contributions, rounds, rewards"},
				&cli.StringFlag{Name: flagGroup, Value: "", Usage: "consumer `GROUP`"},
			},
		},
		{
			Name:   "proof",
			Usage:  "verify a member's archived contributions against the round attestation",
			Action: cmdProof,
			Flags: []cli.Flag{
				postgresFlag,
				&cli.Uint64Flag{Name: flagRound, Usage: "round `ID`"},
				&cli.Uint64Flag{Name: flagMember, Usage: "member `ID`"},
			},
		},
		{
			Name:   "claim",
			Usage:  "encode a claim instruction and optionally debit the ledger",
			Action: cmdClaim,
			Flags: []cli.Flag{
				postgresFlag,
				&cli.StringFlag{Name: flagProgram, EnvVar: "POOL_PROGRAM_ID", Usage: "pool program `ID`"},
				&cli.StringFlag{Name: flagOreProgram, EnvVar: "ORE_PROGRAM_ID", Usage: "mining program `ID`"},
				&cli.StringFlag{Name: flagMint, EnvVar: "ORE_MINT", Usage: "reward token `MINT`"},
				&cli.StringFlag{Name: flagOperator, Usage: "operator `PUBKEY`"},
				&cli.StringFlag{Name: flagAuthority, Usage: "member authority `PUBKEY`"},
				&cli.StringFlag{Name: flagBeneficiary, Usage: "receiving token `ACCOUNT`, defaults to the authority's associated account"},
				&cli.Uint64Flag{Name: flagAmount, Usage: "`AMOUNT` to claim"},
			},
		},
		{
			Name:   "encode-initialize",
			Usage:  "encode the pool Initialize instruction",
			Action: cmdEncodeInitialize,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: flagProgram, EnvVar: "POOL_PROGRAM_ID", Usage: "pool program `ID`"},
				&cli.StringFlag{Name: flagOreProgram, EnvVar: "ORE_PROGRAM_ID", Usage: "mining program `ID`"},
				&cli.StringFlag{Name: flagOperator, Usage: "operator `PUBKEY`"},
				&cli.StringFlag{Name: flagMiner, Usage: "miner `PUBKEY` of the proof, defaults to the operator"},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger(c *cli.Context) *log.Logger {
	return log.NewWithWriter(os.Stderr, "poolctl", version, c.GlobalString(flagLogLevel), "text")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseSeed decodes a hex ed25519 seed into a private key.
func parseSeed(s string) (ed25519.PrivateKey, error) {
	if s == "" {
		return nil, fmt.Errorf("a member key is required")
	}
	seed, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

const requestTimeout = 30 * time.Second
