package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"

	"github.com/kroma-network/kroma-proof-publisher/internal/chain"
	"github.com/kroma-network/kroma-proof-publisher/internal/ec2"
	"github.com/kroma-network/kroma-proof-publisher/internal/metrics"
	"github.com/kroma-network/kroma-proof-publisher/internal/orchestrator"
	"github.com/kroma-network/kroma-proof-publisher/internal/program"
	"github.com/kroma-network/kroma-proof-publisher/internal/proof"
	"github.com/kroma-network/kroma-proof-publisher/internal/publisher"
)

func main() {
	app := cli.NewApp()
	app.Name = "kroma-proof-publisher"
	app.Usage = "prove guest programs and publish the receipts to a verifier contract"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{Verbosity}
	app.Before = func(ctx *cli.Context) error {
		setupLogging(ctx.GlobalInt(Verbosity.Name))
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:      "query",
			Usage:     "Print the image id of a program, or prove an input and print the ABI encoded (journal, seal)",
			ArgsUsage: "<program> [input...]",
			Flags:     QueryFlags(),
			Action:    query,
		},
		{
			Name:      "publish",
			Usage:     "Prove an input, validate the receipt and submit it to the verifier contract",
			ArgsUsage: "<program> [input...]",
			Flags:     PublishFlags(),
			Action:    publish,
		},
		{
			Name:   "serve",
			Usage:  "Serve the proving backend over JSON-RPC",
			Flags:  ServeFlags(),
			Action: serve,
		},
		{
			Name:   "programs",
			Usage:  "List the known programs and their image ids",
			Action: listPrograms,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("Proof publisher failed", "err", err)
	}
}

func setupLogging(verbosity int) {
	var lvl slog.Level
	switch {
	case verbosity <= 0:
		lvl = log.LevelCrit
	case verbosity == 1:
		lvl = slog.LevelError
	case verbosity == 2:
		lvl = slog.LevelWarn
	case verbosity == 3:
		lvl = slog.LevelInfo
	case verbosity == 4:
		lvl = slog.LevelDebug
	default:
		lvl = log.LevelTrace
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, lvl, true)))
}

func newConfig(ctx *cli.Context) (publisher.Config, error) {
	cfg := publisher.DefaultConfig()
	cfg.Backend = publisher.BackendKind(ctx.String(Backend.Name))
	cfg.BackendURL = ctx.String(BackendURL.Name)
	cfg.APIKey = ctx.String(BackendAPIKey.Name)
	cfg.RequestsPerSecond = ctx.Float64(BackendRPS.Name)
	cfg.StoreDir = ctx.String(ProofBaseDir.Name)
	cfg.StoreRetention = ctx.Duration(ProofRetention.Name)
	cfg.Orchestrator = orchestrator.Config{
		PollInterval:    ctx.Duration(PollInterval.Name),
		MaxPollInterval: ctx.Duration(PollMaxInterval.Name),
		JitterPercent:   cfg.Orchestrator.JitterPercent,
		RetryCeiling:    ctx.Int(RetryCeiling.Name),
		Deadline:        ctx.Duration(ProofDeadline.Name),
	}
	if id := ctx.String(AwsProverInstanceId.Name); id != "" {
		cfg.Instance = publisher.ProverInstance{
			Region:      ctx.String(AwsRegion.Name),
			InstanceID:  id,
			AddressType: ec2.AddressType(ctx.String(AwsProverAddressType.Name)),
			URLSchema:   ctx.String(AwsProverUrlSchema.Name),
			Port:        ctx.Int(AwsProverJsonRpcPort.Name),
		}
	}

	cfg.RPCURL = ctx.String(RPCURL.Name)
	cfg.ChainID = ctx.Int64(ChainID.Name)
	cfg.PrivateKey = ctx.String(PrivateKey.Name)
	if addr := ctx.String(Contract.Name); addr != "" {
		if !common.IsHexAddress(addr) {
			return cfg, fmt.Errorf("%w: contract %q is not an address", publisher.ErrInvalidConfig, addr)
		}
		cfg.Verifier = common.HexToAddress(addr)
	}
	if ctx.IsSet(VerifierMode.Name) || cfg.RPCURL != "" {
		mode, err := chain.ParseMode(ctx.String(VerifierMode.Name))
		if err != nil {
			return cfg, err
		}
		cfg.Mode = mode
	}
	if n := ctx.Uint64(Confirmations.Name); n > 0 {
		cfg.Submitter.Confirmations = n
	}
	if d := ctx.Duration(ReceiptTimeout.Name); d > 0 {
		cfg.Submitter.ReceiptTimeout = d
	}
	return cfg, nil
}

func newMetrics(ctx *cli.Context) *metrics.Metrics {
	addr := ctx.String(MetricsAddr.Name)
	if addr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("Metrics server stopped", "addr", addr, "err", err)
		}
	}()
	log.Info("Serving metrics", "addr", addr)
	return m
}

// signalContext is canceled on the first interrupt.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
}

func guestArgs(ctx *cli.Context, programs *program.Registry) (*program.Guest, []any, bool, error) {
	if ctx.NArg() < 1 {
		return nil, nil, false, errors.New("missing program name or image id")
	}
	guest, err := programs.Resolve(ctx.Args().First())
	if err != nil {
		return nil, nil, false, err
	}
	raw := append([]string(ctx.Args().Tail()), ctx.StringSlice("input")...)
	if len(raw) == 0 {
		return guest, nil, false, nil
	}
	values, err := guest.Input.ParseArgs(raw)
	if err != nil {
		return nil, nil, false, err
	}
	return guest, values, true, nil
}

func query(ctx *cli.Context) error {
	cfg, err := newConfig(ctx)
	if err != nil {
		return err
	}
	runCtx, cancel := signalContext()
	defer cancel()
	rt, err := publisher.Build(runCtx, cfg, newMetrics(ctx))
	if err != nil {
		return err
	}
	defer rt.Close()

	guest, values, hasInput, err := guestArgs(ctx, rt.Programs)
	if err != nil {
		return err
	}
	if !hasInput {
		fmt.Print(guest.ID().Hex())
		return nil
	}
	proved, err := rt.Pipeline.Prove(runCtx, guest, values...)
	if err != nil {
		return err
	}
	encoded, err := chain.EncodeReceipt(proved.Receipt.Journal(), proved.Receipt.Seal())
	if err != nil {
		return err
	}
	fmt.Print(common.Bytes2Hex(encoded))
	return nil
}

func publish(ctx *cli.Context) error {
	cfg, err := newConfig(ctx)
	if err != nil {
		return err
	}
	if err := cfg.ValidatePublish(); err != nil {
		return err
	}
	runCtx, cancel := signalContext()
	defer cancel()
	rt, err := publisher.Build(runCtx, cfg, newMetrics(ctx))
	if err != nil {
		return err
	}
	defer rt.Close()

	guest, values, hasInput, err := guestArgs(ctx, rt.Programs)
	if err != nil {
		return err
	}
	if !hasInput {
		return fmt.Errorf("missing input for %s%s", guest.Name, guest.Input.Signature())
	}
	proved, res, err := rt.Pipeline.Publish(runCtx, guest, values...)
	var oe *orchestrator.Error
	if errors.As(err, &oe) && oe.MayStillComplete() {
		log.Warn("Proof job left on the backend", "handle", oe.Handle)
	}
	if err != nil {
		return err
	}
	log.Info("Published", "program", guest.Name, "journal", hexutil.Encode(proved.Receipt.Journal()), "result", res)
	if res.Status != chain.Confirmed {
		return fmt.Errorf("submission %s", res)
	}
	fmt.Println(res.TxHash.Hex())
	return nil
}

func serve(ctx *cli.Context) error {
	cfg, err := newConfig(ctx)
	if err != nil {
		return err
	}
	backend, closeBackend, err := publisher.NewBackend(cfg, program.DefaultRegistry())
	if err != nil {
		return err
	}
	defer closeBackend()
	newMetrics(ctx)

	srv := http.Server{
		Addr:         net.JoinHostPort(ctx.String(JsonRpcAddr.Name), strconv.Itoa(ctx.Int(JsonRpcPort.Name))),
		ReadTimeout:  time.Minute,
		WriteTimeout: 6 * time.Hour,
		Handler:      proof.NewServer(backend, ctx.String(ServerAPIKey.Name)),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Crit("Failed to serve", "addr", srv.Addr, "err", err)
		}
	}()
	log.Info("Serving proving backend", "addr", srv.Addr, "backend", cfg.Backend)

	runCtx, cancel := signalContext()
	defer cancel()
	<-runCtx.Done()
	if err := srv.Close(); err != nil {
		log.Warn("Failed to close server", "err", err)
	}
	return nil
}

func listPrograms(*cli.Context) error {
	for _, g := range program.DefaultRegistry().List() {
		fmt.Printf("%s\t%s\tinput%s\tjournal%s\n", g.Name, g.ID().Hex(), g.Input.Signature(), g.Journal.Signature())
	}
	return nil
}
