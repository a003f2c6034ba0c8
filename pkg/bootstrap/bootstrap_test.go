package bootstrap

import (
    "context"
    "encoding/json"
    "io"
    "log"
    "path/filepath"
    "reflect"
    "testing"
    "time"

    "github.com/amirimatin/go-rpcpool/pkg/chain"
)

var quiet = log.New(io.Discard, "", 0)

func waitFor(t *testing.T, what string, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(5 * time.Second)
    for !cond() {
        if time.Now().After(deadline) { t.Fatalf("timed out waiting for %s", what) }
        time.Sleep(10 * time.Millisecond)
    }
}

// startServing runs a node holding blocks blocks and returns it once its
// servers listen.
func startServing(t *testing.T, blocks int) *Node {
    t.Helper()
    n, err := Build(Config{
        DataPath:   filepath.Join(t.TempDir(), "chain.db"),
        ListenAddr: "127.0.0.1:0",
        GRPCAddr:   "127.0.0.1:0",
        Logger:     quiet,
    })
    if err != nil { t.Fatalf("build: %v", err) }
    for i := 0; i < blocks; i++ {
        hdr := chain.ExtendedBlockHeader{Version: chain.V1, Vote: chain.V1, Timestamp: uint64(i), CumulativeDifficulty: chain.DifficultyFromUint64(uint64(i + 1))}
        if _, err := n.Writer().WriteBlock(context.Background(), hdr, chain.Hash{byte(i)}, 1); err != nil {
            t.Fatalf("write: %v", err)
        }
    }
    ctx, cancel := context.WithCancel(context.Background())
    done := make(chan struct{})
    go func() { _ = n.Run(ctx); close(done) }()
    t.Cleanup(func() { cancel(); <-done })
    waitFor(t, "servers to listen", func() bool {
        return n.HTTPAddr() != "127.0.0.1:0" && n.GRPCAddr() != "127.0.0.1:0"
    })
    return n
}

func TestNodes_DiscoverEachOther(t *testing.T) {
    server := startServing(t, 3)

    for _, tc := range []struct {
        proto string
        addr  string
    }{
        {"http", server.HTTPAddr()},
        {"grpc", server.GRPCAddr()},
    } {
        t.Run(tc.proto, func(t *testing.T) {
            client, err := Build(Config{
                SeedsCSV:     tc.addr + ",127.0.0.1:1",
                Proto:        tc.proto,
                ProbeTimeout: 500 * time.Millisecond,
                Interval:     50 * time.Millisecond,
                Logger:       quiet,
            })
            if err != nil { t.Fatalf("build: %v", err) }
            ctx, cancel := context.WithCancel(context.Background())
            done := make(chan error, 1)
            go func() { done <- client.Run(ctx) }()

            waitFor(t, "pool endpoint", func() bool { return client.Pool().Len() == 1 })
            h, err := client.Pool().ChainHeight(context.Background())
            if err != nil || h != 3 { t.Fatalf("pool height = %d, %v", h, err) }
            hdr, err := client.Pool().BlockHeader(context.Background(), 2)
            if err != nil || hdr.Timestamp != 2 { t.Fatalf("pool header = %+v, %v", hdr, err) }

            raw, err := client.Status(context.Background())
            if err != nil { t.Fatal(err) }
            var st status
            if err := json.Unmarshal(raw, &st); err != nil { t.Fatal(err) }
            if len(st.Discovery.Admitted) != 1 || st.Discovery.Admitted[0] != tc.addr || st.LocalHeight != nil {
                t.Fatalf("status = %s", raw)
            }

            cancel()
            select {
            case err := <-done:
                if err != nil { t.Fatalf("run: %v", err) }
            case <-time.After(5 * time.Second):
                t.Fatalf("node did not stop")
            }
            if client.Pool().Len() != 0 { t.Fatalf("pool not emptied on shutdown") }
        })
    }
}

func TestConfig_Validate(t *testing.T) {
    cases := []struct {
        name string
        cfg  Config
        ok   bool
    }{
        {"defaults", Config{}, true},
        {"unknown discovery", Config{DiscoveryKind: "gossip"}, false},
        {"unknown proto", Config{Proto: "ws"}, false},
        {"serve without data", Config{ListenAddr: ":0"}, false},
        {"dns without names", Config{DiscoveryKind: "dns"}, false},
        {"file without path", Config{DiscoveryKind: "file"}, false},
        {"bad cap action", Config{CapAction: "evict"}, false},
        {"file with env", Config{DiscoveryKind: "file", FileEnv: "SEEDS"}, true},
    }
    for _, tc := range cases {
        if err := tc.cfg.Validate(); (err == nil) != tc.ok {
            t.Fatalf("%s: err = %v, want ok=%v", tc.name, err, tc.ok)
        }
    }
}

func TestDiscoverySources(t *testing.T) {
    static := Config{SeedsCSV: "a:1, b:2"}
    if got := seeds(static); got != nil { t.Fatalf("static backlog seeds = %v, want none", got) }
    src := source(static)
    got, err := src.Candidates(context.Background())
    if err != nil || !reflect.DeepEqual(got, []string{"a:1", "b:2"}) {
        t.Fatalf("first Candidates = %v, %v", got, err)
    }
    if got, _ := src.Candidates(context.Background()); len(got) != 0 {
        t.Fatalf("static source yielded again: %v", got)
    }

    file := Config{DiscoveryKind: "file", FileEnv: "RPCPOOL_TEST_SEEDS", SeedsCSV: "c:3"}
    if got := seeds(file); !reflect.DeepEqual(got, []string{"c:3"}) {
        t.Fatalf("file backlog seeds = %v", got)
    }
}
