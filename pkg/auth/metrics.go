package auth

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// deniedTotal counts rejected requests.
// Labels: permission (read, write, schema, ...)
var deniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "stratadb",
	Subsystem: "auth",
	Name:      "denied_total",
	Help:      "Requests rejected by the authorization policy",
}, []string{"permission"})
