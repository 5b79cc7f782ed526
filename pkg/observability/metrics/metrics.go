package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    Members = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "tribes",
        Name:      "members",
        Help:      "Current number of known group members",
    })

    MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "tribes",
        Name:      "messages_sent_total",
        Help:      "Messages handed to the transport, by outcome",
    }, []string{"result"})

    MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "tribes",
        Name:      "messages_received_total",
        Help:      "Messages delivered up the interceptor chain",
    })

    MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "tribes",
        Name:      "messages_dropped_total",
        Help:      "Inbound messages dropped before reaching listeners",
    }, []string{"reason"})

    Heartbeats = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "tribes",
        Name:      "heartbeats_total",
        Help:      "Channel heartbeats executed",
    })

    HeartbeatRestarts = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "tribes",
        Name:      "heartbeat_restarts_total",
        Help:      "Heartbeat tasks rescheduled by the monitor after an abnormal end",
    })

    DiscoveryFetch = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "tribes",
        Subsystem: "discovery",
        Name:      "fetch_total",
        Help:      "Discovery backend polls, by provider and outcome",
    }, []string{"provider", "result"})

    ListenerErrors = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "tribes",
        Name:      "listener_errors_total",
        Help:      "Errors raised by application listeners during fan-out",
    })

    ThroughputBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "tribes",
        Name:      "throughput_bytes_total",
        Help:      "Payload bytes observed by the throughput interceptor",
    }, []string{"direction"})

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "tribes",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "tribes",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "tribes",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "tribes",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(Members)
        prometheus.MustRegister(MessagesSent)
        prometheus.MustRegister(MessagesReceived)
        prometheus.MustRegister(MessagesDropped)
        prometheus.MustRegister(Heartbeats)
        prometheus.MustRegister(HeartbeatRestarts)
        prometheus.MustRegister(DiscoveryFetch)
        prometheus.MustRegister(ListenerErrors)
        prometheus.MustRegister(ThroughputBytes)
        prometheus.MustRegister(GRPCConnDials)
        prometheus.MustRegister(GRPCConnReuse)
        prometheus.MustRegister(GRPCConnEvictions)
        prometheus.MustRegister(GRPCConnActive)
    })
}
