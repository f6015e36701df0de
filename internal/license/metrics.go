package license

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Validations *prometheus.CounterVec
	Created     *prometheus.CounterVec
	Mutations   *prometheus.CounterVec
}

// NewMetrics registers the license collectors on reg. A nil reg gets a
// private registry so tests can build several services.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Validations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "license",
			Name:      "validations_total",
			Help:      "License validations by outcome reason.",
		}, []string{"reason"}),
		Created: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "license",
			Name:      "created_total",
			Help:      "Licenses issued by source.",
		}, []string{"source"}),
		Mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "license",
			Name:      "mutations_total",
			Help:      "Owner mutations by operation and result code.",
		}, []string{"op", "result"}),
	}
}

func (m *Metrics) mutation(op string, err error) {
	result := "ok"
	if err != nil {
		result = string(CodeOf(err))
		if result == "" {
			result = "error"
		}
	}
	m.Mutations.WithLabelValues(op, result).Inc()
}
