package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    // Discovery
    DiscoverRounds = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "rpcpool",
        Subsystem: "discover",
        Name:      "rounds_total",
        Help:      "Total number of discovery rounds executed",
    })
    DiscoverProbes = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "rpcpool",
        Subsystem: "discover",
        Name:      "probes_total",
        Help:      "Total candidate probes by result (ok, dial_error, check_error, timeout)",
    }, []string{"result"})
    DiscoverAdmitted = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "rpcpool",
        Subsystem: "discover",
        Name:      "admitted",
        Help:      "Number of endpoints admitted to the pool feed",
    })
    DiscoverDiscarded = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "rpcpool",
        Subsystem: "discover",
        Name:      "discarded_total",
        Help:      "Healthy endpoints not admitted, by reason (duplicate, cap)",
    }, []string{"reason"})
    DiscoverBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "rpcpool",
        Subsystem: "discover",
        Name:      "backlog",
        Help:      "Candidate addresses waiting for the next round",
    })

    // Pool
    PoolEndpoints = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "rpcpool",
        Subsystem: "pool",
        Name:      "endpoints",
        Help:      "Endpoints currently held by the load-balanced pool",
    })
    PoolRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "rpcpool",
        Subsystem: "pool",
        Name:      "requests_total",
        Help:      "Pool requests by method and result",
    }, []string{"method", "result"})
    PoolFailovers = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "rpcpool",
        Subsystem: "pool",
        Name:      "failovers_total",
        Help:      "Requests retried on another endpoint after a failure",
    })

    // gRPC client connections
    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "rpcpool",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections created",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "rpcpool",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "rpcpool",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "rpcpool",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })

    // Storage
    StorageRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "rpcpool",
        Subsystem: "storage",
        Name:      "requests_total",
        Help:      "Persistent data service requests by kind and result",
    }, []string{"kind", "result"})
    StorageHeight = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "rpcpool",
        Subsystem: "storage",
        Name:      "chain_height",
        Help:      "Chain height of the local store",
    })

    // Servers
    ServerRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "rpcpool",
        Subsystem: "server",
        Name:      "requests_total",
        Help:      "Chain requests served to remote clients by protocol and method",
    }, []string{"proto", "method"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(DiscoverRounds)
        prometheus.MustRegister(DiscoverProbes)
        prometheus.MustRegister(DiscoverAdmitted)
        prometheus.MustRegister(DiscoverDiscarded)
        prometheus.MustRegister(DiscoverBacklog)
        prometheus.MustRegister(PoolEndpoints)
        prometheus.MustRegister(PoolRequests)
        prometheus.MustRegister(PoolFailovers)
        prometheus.MustRegister(GRPCConnDials)
        prometheus.MustRegister(GRPCConnReuse)
        prometheus.MustRegister(GRPCConnEvictions)
        prometheus.MustRegister(GRPCConnActive)
        prometheus.MustRegister(StorageRequests)
        prometheus.MustRegister(StorageHeight)
        prometheus.MustRegister(ServerRequests)
    })
}
