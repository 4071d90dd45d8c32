package main

import (
	"time"

	"github.com/urfave/cli"
)

var (
	Verbosity = cli.IntFlag{
		Name:   "verbosity",
		Usage:  "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value:  3,
		EnvVar: "VERBOSITY",
	}

	Backend = cli.StringFlag{
		Name:   "backend",
		Usage:  "Proving backend: dev or remote",
		Value:  "dev",
		EnvVar: "PROOF_BACKEND",
	}
	BackendURL = cli.StringFlag{
		Name:   "backend.url",
		Usage:  "JSON-RPC endpoint of the remote proving service",
		EnvVar: "PROOF_BACKEND_URL",
	}
	BackendAPIKey = cli.StringFlag{
		Name:   "backend.api-key",
		Usage:  "Credential sent to the remote proving service",
		EnvVar: "PROOF_BACKEND_API_KEY",
	}
	BackendRPS = cli.Float64Flag{
		Name:   "backend.rps",
		Usage:  "Maximum requests per second to the remote proving service, 0 for no limit",
		EnvVar: "PROOF_BACKEND_RPS",
	}
	ProofBaseDir = cli.StringFlag{
		Name:   "proof.base-dir",
		Usage:  "A directory to store fetched receipts for reuse, empty to disable",
		EnvVar: "PROOF_BASE_DIR",
	}
	ProofRetention = cli.DurationFlag{
		Name:   "proof.retention",
		Usage:  "How long stored receipts are kept",
		Value:  7 * 24 * time.Hour,
		EnvVar: "PROOF_RETENTION",
	}

	PollInterval = cli.DurationFlag{
		Name:   "poll.interval",
		Usage:  "First delay between status polls",
		Value:  2 * time.Second,
		EnvVar: "POLL_INTERVAL",
	}
	PollMaxInterval = cli.DurationFlag{
		Name:   "poll.max-interval",
		Usage:  "Upper bound of the delay between status polls",
		Value:  30 * time.Second,
		EnvVar: "POLL_MAX_INTERVAL",
	}
	RetryCeiling = cli.IntFlag{
		Name:   "poll.retries",
		Usage:  "Consecutive backend unavailability tolerated before giving up",
		Value:  5,
		EnvVar: "POLL_RETRIES",
	}
	ProofDeadline = cli.DurationFlag{
		Name:   "proof.deadline",
		Usage:  "Time allowed from submission to a fetched receipt",
		Value:  30 * time.Minute,
		EnvVar: "PROOF_DEADLINE",
	}

	AwsRegion = cli.StringFlag{
		Name:   "aws.region",
		Value:  "ap-northeast-2",
		EnvVar: "AWS_REGION",
	}
	AwsProverInstanceId = cli.StringFlag{
		Name:   "aws.prover-instance-id",
		Usage:  "EC2 instance hosting the proving service, started on demand",
		EnvVar: "AWS_PROVER_INSTANCE_ID",
	}
	AwsProverAddressType = cli.StringFlag{
		Name:   "aws.prover-address-type",
		Usage:  "Address of the prover instance to use: private or public",
		Value:  "private",
		EnvVar: "AWS_PROVER_ADDRESS_TYPE",
	}
	AwsProverUrlSchema = cli.StringFlag{
		Name:   "aws.prover-url-schema",
		Value:  "http",
		EnvVar: "AWS_PROVER_URL_SCHEMA",
	}
	AwsProverJsonRpcPort = cli.IntFlag{
		Name:   "aws.prover-jsonrpc-port",
		Value:  3030,
		EnvVar: "AWS_PROVER_JSONRPC_PORT",
	}

	RPCURL = cli.StringFlag{
		Name:   "rpc-url",
		Usage:  "Ethereum node endpoint",
		EnvVar: "RPC_URL",
	}
	ChainID = cli.Int64Flag{
		Name:   "chain-id",
		Usage:  "Ethereum chain ID, checked against the node",
		EnvVar: "CHAIN_ID",
	}
	PrivateKey = cli.StringFlag{
		Name:   "eth-wallet-private-key",
		Usage:  "Hex private key signing the submission",
		EnvVar: "ETH_WALLET_PRIVATE_KEY",
	}
	Contract = cli.StringFlag{
		Name:   "contract",
		Usage:  "Verifier contract address",
		EnvVar: "VERIFIER_CONTRACT",
	}
	VerifierMode = cli.StringFlag{
		Name:   "verifier-mode",
		Usage:  "production, or development for the permissive verifier on a local chain",
		Value:  "production",
		EnvVar: "VERIFIER_MODE",
	}
	Confirmations = cli.Uint64Flag{
		Name:   "confirmations",
		Usage:  "Blocks to wait for after inclusion",
		Value:  1,
		EnvVar: "CONFIRMATIONS",
	}
	ReceiptTimeout = cli.DurationFlag{
		Name:   "tx.timeout",
		Usage:  "Time allowed for inclusion and confirmations",
		Value:  5 * time.Minute,
		EnvVar: "TX_TIMEOUT",
	}
	Input = cli.StringSliceFlag{
		Name:  "input, i",
		Usage: "Guest input field, repeat for each field",
	}

	JsonRpcAddr = cli.StringFlag{
		Name:   "jsonrpc.addr",
		Usage:  "JSON-RPC server listening address",
		Value:  "localhost",
		EnvVar: "JSONRPC_ADDR",
	}
	JsonRpcPort = cli.IntFlag{
		Name:   "jsonrpc.port",
		Usage:  "JSON-RPC server listening port",
		Value:  3030,
		EnvVar: "JSONRPC_PORT",
	}
	ServerAPIKey = cli.StringFlag{
		Name:   "jsonrpc.api-key",
		Usage:  "Credential clients must send, empty to accept any",
		EnvVar: "JSONRPC_API_KEY",
	}
	MetricsAddr = cli.StringFlag{
		Name:   "metrics.addr",
		Usage:  "Prometheus listening address, empty to disable",
		EnvVar: "METRICS_ADDR",
	}
)

func backendFlags() []cli.Flag {
	return []cli.Flag{
		Backend,
		BackendURL,
		BackendAPIKey,
		BackendRPS,
		ProofBaseDir,
		ProofRetention,
		PollInterval,
		PollMaxInterval,
		RetryCeiling,
		ProofDeadline,
		AwsRegion,
		AwsProverInstanceId,
		AwsProverAddressType,
		AwsProverUrlSchema,
		AwsProverJsonRpcPort,
		MetricsAddr,
	}
}

// QueryFlags include the chain settings so remote seals can be checked
// against the verifier contract. No key is needed since nothing is sent.
func QueryFlags() []cli.Flag {
	return append(backendFlags(),
		RPCURL,
		ChainID,
		Contract,
		VerifierMode,
		Input,
	)
}

func PublishFlags() []cli.Flag {
	return append(backendFlags(),
		RPCURL,
		ChainID,
		PrivateKey,
		Contract,
		VerifierMode,
		Confirmations,
		ReceiptTimeout,
		Input,
	)
}

func ServeFlags() []cli.Flag {
	return append(backendFlags(),
		JsonRpcAddr,
		JsonRpcPort,
		ServerAPIKey,
	)
}
