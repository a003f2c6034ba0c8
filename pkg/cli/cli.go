package cli

import (
    "bufio"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "log"
    "os"
    "os/signal"
    "strings"
    "sync"
    "syscall"
    "time"

    "github.com/spf13/cobra"
    "github.com/spf13/viper"

    "github.com/amirimatin/go-rpcpool/pkg/bootstrap"
    "github.com/amirimatin/go-rpcpool/pkg/chain"
    "github.com/amirimatin/go-rpcpool/pkg/discover"
    "github.com/amirimatin/go-rpcpool/pkg/internal/logutil"
    tracing "github.com/amirimatin/go-rpcpool/pkg/observability/tracing"
    "github.com/amirimatin/go-rpcpool/pkg/rpc"
    rpcgrpc "github.com/amirimatin/go-rpcpool/pkg/rpc/grpc"
    "github.com/amirimatin/go-rpcpool/pkg/rpc/httpjson"
    "github.com/amirimatin/go-rpcpool/pkg/storage"
)

// EnvPrefix prefixes environment overrides of run settings (RPCPOOL_LISTEN, ...).
const EnvPrefix = "RPCPOOL"

// AddAll attaches the rpcpool subcommands (run/probe/height/import) to root.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewProbeCmd())
    root.AddCommand(NewHeightCmd())
    root.AddCommand(NewImportCmd())
}

// NewRunCmd returns the "run" command used to start a node. Settings come
// from flags, RPCPOOL_* environment variables and an optional TOML file, in
// that order of precedence.
func NewRunCmd() *cobra.Command {
    var cfgFile string
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a node: serve the local chain and discover remote nodes",
        RunE: func(cmd *cobra.Command, args []string) error {
            v, err := loadConfig(cmd, cfgFile)
            if err != nil { return err }
            ctx, cancel := signalContext()
            defer cancel()

            if v.GetBool("trace") {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    log.Printf("tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            node, err := bootstrap.Build(runConfig(v))
            if err != nil { return err }
            fmt.Fprintln(cmd.OutOrStdout(), "rpcpool running. Press Ctrl+C to exit.")
            return node.Run(ctx)
        },
    }
    f := cmd.Flags()
    f.StringVar(&cfgFile, "config", "", "TOML config file (keys match flag names)")
    f.String("listen", "", "HTTP/JSON address serving the local chain, status and metrics (empty disables)")
    f.String("grpc-listen", "", "gRPC address serving the local chain (empty disables)")
    f.String("data", "", "chain database file (required to serve)")
    f.Int("readers", storage.DefaultReaderWorkers, "database reader goroutines")
    f.String("discovery", "static", "discovery backend: static|dns|file")
    f.String("seeds", "", "comma-separated candidate nodes (host:port or URL)")
    f.String("dns-names", "", "comma-separated DNS names or SRV records (e.g., _rpc._tcp.example.com)")
    f.Int("dns-port", 18081, "port used for A/AAAA lookups")
    f.Duration("disc-refresh", 5*time.Second, "discovery refresh/cache duration")
    f.String("file-path", "", "path or glob to a file with candidates (one per line or CSV)")
    f.String("file-env", "", "ENV var name containing CSV candidates; overrides file when set")
    f.String("proto", "http", "remote node protocol: http|grpc")
    f.Duration("probe-timeout", discover.DefaultProbeTimeout, "liveness check timeout")
    f.Duration("interval", discover.DefaultInterval, "pause between discovery rounds")
    f.Int("cap", discover.DefaultCapLimit, "admitted node threshold (negative disables)")
    f.String("cap-action", "log", "what to do at the threshold: log|stop")
    f.Int("feed-buffer", discover.DefaultFeedCapacity, "pool feed buffer")
    f.Bool("trace", false, "enable OpenTelemetry stdout tracing (dev)")
    f.Duration("report", 0, "log pool heights at this interval (0 disables)")
    return cmd
}

func loadConfig(cmd *cobra.Command, cfgFile string) (*viper.Viper, error) {
    v := viper.New()
    v.SetEnvPrefix(EnvPrefix)
    v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
    v.AutomaticEnv()
    if err := v.BindPFlags(cmd.Flags()); err != nil { return nil, err }
    if cfgFile != "" {
        v.SetConfigType("toml")
        v.SetConfigFile(cfgFile)
        if err := v.ReadInConfig(); err != nil {
            return nil, fmt.Errorf("reading config %s: %w", cfgFile, err)
        }
    }
    return v, nil
}

func runConfig(v *viper.Viper) bootstrap.Config {
    return bootstrap.Config{
        DataPath:      v.GetString("data"),
        Readers:       v.GetInt("readers"),
        ListenAddr:    v.GetString("listen"),
        GRPCAddr:      v.GetString("grpc-listen"),
        DiscoveryKind: v.GetString("discovery"),
        SeedsCSV:      v.GetString("seeds"),
        DNSNamesCSV:   v.GetString("dns-names"),
        DNSPort:       v.GetInt("dns-port"),
        DiscRefresh:   v.GetDuration("disc-refresh"),
        FilePath:      v.GetString("file-path"),
        FileEnv:       v.GetString("file-env"),
        Proto:         v.GetString("proto"),
        ProbeTimeout:  v.GetDuration("probe-timeout"),
        Interval:      v.GetDuration("interval"),
        CapLimit:      v.GetInt("cap"),
        CapAction:     v.GetString("cap-action"),
        FeedBuffer:    v.GetInt("feed-buffer"),
        ReportEvery:   v.GetDuration("report"),
        Logger:        log.Default(),
    }
}

func newDialer(proto string, timeout time.Duration) (rpc.Dialer, func(), error) {
    switch proto {
    case "", "http":
        return httpjson.NewDialer(timeout), func() {}, nil
    case "grpc":
        d := rpcgrpc.NewDialer(timeout)
        return d, d.Close, nil
    }
    return nil, nil, fmt.Errorf("unknown proto %q (want http|grpc)", proto)
}

// NewProbeCmd returns the "probe" command: one liveness check per address.
func NewProbeCmd() *cobra.Command {
    var (
        proto   string
        timeout time.Duration
    )
    cmd := &cobra.Command{
        Use:   "probe ADDR...",
        Short: "Check which nodes answer a chain height request",
        Args:  cobra.MinimumNArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            d, closeDialer, err := newDialer(proto, timeout)
            if err != nil { return err }
            defer closeDialer()
            prober := discover.NewProber(d, timeout, log.New(io.Discard, "", 0))
            results := make([]bool, len(args))
            var wg sync.WaitGroup
            for i, addr := range args {
                wg.Add(1)
                go func(i int, addr string) {
                    defer wg.Done()
                    ep, ok := prober.Probe(cmd.Context(), addr)
                    if ok { _ = ep.Close() }
                    results[i] = ok
                }(i, addr)
            }
            wg.Wait()
            failed := 0
            for i, addr := range args {
                state := "ok"
                if !results[i] {
                    state = "unreachable"
                    failed++
                }
                fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", addr, state)
            }
            if failed == len(args) { return fmt.Errorf("no node answered") }
            return nil
        },
    }
    cmd.Flags().StringVar(&proto, "proto", "http", "remote node protocol: http|grpc")
    cmd.Flags().DurationVar(&timeout, "timeout", discover.DefaultProbeTimeout, "probe timeout")
    return cmd
}

// NewHeightCmd returns the "height" command.
func NewHeightCmd() *cobra.Command {
    var (
        proto   string
        timeout time.Duration
        block   int64
    )
    cmd := &cobra.Command{
        Use:   "height ADDR",
        Short: "Print a node's chain height, or one block header with --block",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            d, closeDialer, err := newDialer(proto, timeout)
            if err != nil { return err }
            defer closeDialer()
            c, err := d.Dial(args[0])
            if err != nil { return err }
            defer c.Close()
            ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
            defer cancel()
            if block < 0 {
                h, err := c.ChainHeight(ctx)
                if err != nil { return fmt.Errorf("height error: %w", err) }
                fmt.Fprintln(cmd.OutOrStdout(), h)
                return nil
            }
            hdr, err := c.BlockHeader(ctx, uint64(block))
            if err != nil { return fmt.Errorf("header error: %w", err) }
            enc := json.NewEncoder(cmd.OutOrStdout())
            enc.SetIndent("", "  ")
            return enc.Encode(hdr)
        },
    }
    cmd.Flags().StringVar(&proto, "proto", "http", "remote node protocol: http|grpc")
    cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
    cmd.Flags().Int64Var(&block, "block", -1, "fetch the header at this height instead")
    return cmd
}

// importRecord is one line of an import file.
type importRecord struct {
    Header chain.ExtendedBlockHeader `json:"header"`
    Hash   chain.Hash                `json:"hash"`
    Coins  uint64                    `json:"coins"`
}

// NewImportCmd returns the "import" command appending JSON-lines blocks to a
// chain database.
func NewImportCmd() *cobra.Command {
    var data, file string
    cmd := &cobra.Command{
        Use:   "import",
        Short: "Append blocks from a JSON-lines file to the chain database",
        RunE: func(cmd *cobra.Command, args []string) error {
            if data == "" { return fmt.Errorf("missing --data") }
            in := cmd.InOrStdin()
            if file != "" && file != "-" {
                fh, err := os.Open(file)
                if err != nil { return err }
                defer fh.Close()
                in = fh
            }
            r, w, err := storage.Init(storage.Config{Path: data, ReaderWorkers: 1, Logger: log.Default()})
            if err != nil { return err }
            defer r.Close()
            defer w.Close()
            n, err := importBlocks(cmd.Context(), w, in)
            if err != nil { return fmt.Errorf("import stopped after %d blocks: %w", n, err) }
            h, _, err := r.ChainHeight(cmd.Context())
            if err != nil { return err }
            logutil.Infof(log.Default(), "imported %d blocks, chain height %d", n, h)
            return nil
        },
    }
    cmd.Flags().StringVar(&data, "data", "", "chain database file")
    cmd.Flags().StringVar(&file, "file", "-", "JSON-lines input ({header, hash, coins} per line); - reads stdin")
    return cmd
}

func importBlocks(ctx context.Context, w *storage.WriteHandle, in io.Reader) (int, error) {
    sc := bufio.NewScanner(in)
    sc.Buffer(make([]byte, 64*1024), 1<<20)
    n := 0
    for sc.Scan() {
        line := strings.TrimSpace(sc.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        var rec importRecord
        if err := json.Unmarshal([]byte(line), &rec); err != nil { return n, fmt.Errorf("line %d: %w", n+1, err) }
        if _, err := w.WriteBlock(ctx, rec.Header, rec.Hash, rec.Coins); err != nil { return n, err }
        n++
    }
    return n, sc.Err()
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
