package httpjson

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "net"
    "net/http"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/go-rpcpool/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-rpcpool/pkg/observability/metrics"
    "github.com/amirimatin/go-rpcpool/pkg/observability/tracing"
    "github.com/amirimatin/go-rpcpool/pkg/rpc"
)

// Server exposes a local chain over the monerod-compatible HTTP/JSON calls
// used by Client, plus /status, /healthz and /metrics for tooling.
type Server struct {
    bind   string
    logger *log.Logger

    mu    sync.Mutex
    srv   *http.Server
    bound string
}

// NewServer binds to the given TCP address (e.g., ":18081").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logger}
}

// NewHandler returns the request mux serving reader. status may be nil, in
// which case /status answers 501.
func NewHandler(reader rpc.ChainReader, status rpc.StatusFunc) http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("/get_height", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet && r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        obsmetrics.ServerRequests.WithLabelValues("http", "get_height").Inc()
        ctx, end := tracing.StartSpan(r.Context(), "http.get_height")
        defer end()
        h, top, err := reader.ChainHeight(ctx)
        if err != nil { http.Error(w, fmt.Sprintf("height error: %v", err), http.StatusInternalServerError); return }
        writeJSON(w, heightResponse{Height: h, Hash: top.String(), Status: statusOK})
    })
    mux.HandleFunc("/json_rpc", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        var req rpcRequest
        if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
            writeJSON(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParse, Message: "Parse error"}})
            return
        }
        obsmetrics.ServerRequests.WithLabelValues("http", req.Method).Inc()
        resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
        switch req.Method {
        case methodBlockHeaderByHeight:
            ctx, end := tracing.StartSpan(r.Context(), "http.get_block_header_by_height")
            defer end()
            resp.Result, resp.Error = blockHeaderByHeight(ctx, reader, req.Params)
        default:
            resp.Error = &rpcError{Code: codeMethodMissing, Message: "Method not found"}
        }
        writeJSON(w, resp)
    })
    mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if status == nil { http.Error(w, "status not supported", http.StatusNotImplemented); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.status")
        defer end()
        data, err := status(ctx)
        if err != nil { http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError); return }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    })
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    mux.Handle("/metrics", promhttp.Handler())
    return mux
}

func blockHeaderByHeight(ctx context.Context, reader rpc.ChainReader, raw json.RawMessage) (json.RawMessage, *rpcError) {
    var p heightParams
    if len(raw) > 0 {
        if err := json.Unmarshal(raw, &p); err != nil {
            return nil, &rpcError{Code: codeParse, Message: fmt.Sprintf("bad params: %v", err)}
        }
    }
    hdr, hash, err := reader.BlockHeader(ctx, p.Height)
    if errors.Is(err, rpc.ErrNotFound) {
        return nil, &rpcError{Code: codeTooBig, Message: fmt.Sprintf("Requested block height: %d greater than current top block height", p.Height)}
    }
    if err != nil {
        return nil, &rpcError{Code: codeInternal, Message: err.Error()}
    }
    b, err := json.Marshal(blockHeaderResult{BlockHeader: toWire(hdr, hash, p.Height), Status: statusOK})
    if err != nil {
        return nil, &rpcError{Code: codeInternal, Message: err.Error()}
    }
    return b, nil
}

func writeJSON(w http.ResponseWriter, v any) {
    w.Header().Set("Content-Type", "application/json")
    _ = json.NewEncoder(w).Encode(v)
}

// Start listens and serves reader until ctx is cancelled.
func (s *Server) Start(ctx context.Context, reader rpc.ChainReader, status rpc.StatusFunc) error {
    if reader == nil { return errors.New("httpjson: nil ChainReader") }
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    srv := &http.Server{Handler: NewHandler(reader, status), ReadHeaderTimeout: 5 * time.Second}

    s.mu.Lock()
    s.srv = srv
    s.bound = ln.Addr().String()
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            logutil.Errorf(s.logger, "httpjson: server error: %v", err)
        }
    }()
    logutil.Infof(s.logger, "httpjson: serving chain on %s", s.bound)
    return nil
}

// Addr returns the listening address once started, else the configured bind.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.bound != "" { return s.bound }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return srv.Shutdown(c)
}
