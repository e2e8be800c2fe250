package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

const namespace = "go_gms"

var (
    once sync.Once

    ViewSize = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "view_members",
        Help:      "Number of members in the currently installed view",
    })

    IsCoordinator = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "is_coordinator",
        Help:      "1 if this node coordinates the current view, else 0",
    })

    ViewsInstalled = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "views_installed_total",
        Help:      "Total number of views installed, by source (bootstrap, coordinator, view, delta, merge)",
    }, []string{"source"})

    // Coalescer metrics
    RequestsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "coalescer",
        Name:      "requests_total",
        Help:      "Total membership requests submitted, by kind",
    }, []string{"kind"})
    RequestsDropped = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "coalescer",
        Name:      "dropped_total",
        Help:      "Total requests dropped because the coalescer was suspended",
    })
    BatchesFlushed = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "coalescer",
        Name:      "batches_total",
        Help:      "Total batches handed to the processing callback, by result",
    }, []string{"result"})
    BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: namespace,
        Subsystem: "coalescer",
        Name:      "batch_size",
        Help:      "Number of requests per flushed batch",
        Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
    })

    // Merge metrics
    MergeResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "merge",
        Name:      "responses_total",
        Help:      "Merge responses recorded, by outcome (accepted, rejected)",
    }, []string{"outcome"})
    MergeStale = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "merge",
        Name:      "stale_total",
        Help:      "Merge messages discarded because their merge id was not active",
    })
    MergeRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "merge",
        Name:      "runs_total",
        Help:      "Merge leader runs, by result (installed, cancelled, failed)",
    }, []string{"result"})

    LeaveOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "leave",
        Name:      "outcomes_total",
        Help:      "Leave handshake outcomes by status",
    }, []string{"status"})

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
// DetectorHealth is the failure detector's awareness score; 0 is healthy.
var DetectorHealth = prometheus.NewGauge(prometheus.GaugeOpts{
    Namespace: namespace,
    Subsystem: "membership",
    Name:      "detector_health_score",
    Help:      "Health score reported by the failure detector",
})

func Register() {
    once.Do(func() {
        prometheus.MustRegister(ViewSize)
        prometheus.MustRegister(IsCoordinator)
        prometheus.MustRegister(ViewsInstalled)
        prometheus.MustRegister(RequestsSubmitted)
        prometheus.MustRegister(RequestsDropped)
        prometheus.MustRegister(BatchesFlushed)
        prometheus.MustRegister(BatchSize)
        prometheus.MustRegister(MergeResponses)
        prometheus.MustRegister(MergeStale)
        prometheus.MustRegister(MergeRuns)
        prometheus.MustRegister(LeaveOutcomes)
        prometheus.MustRegister(GRPCConnDials)
        prometheus.MustRegister(GRPCConnReuse)
        prometheus.MustRegister(GRPCConnEvictions)
        prometheus.MustRegister(GRPCConnActive)
        prometheus.MustRegister(DetectorHealth)
    })
}
