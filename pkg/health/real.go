package health

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// PromQL over the series published by Exporter, aggregated across every server in the fleet.
const (
	TPSQuery        = "avg(tickgov_governor_tps)"
	AvgTickQuery    = "avg(tickgov_governor_tick_mean_milliseconds)"
	P99TickQuery    = "max(tickgov_governor_tick_p99_milliseconds)"
	LoadFactorQuery = "min(tickgov_governor_load_factor)"
	DegradedQuery   = "max(tickgov_governor_degraded)"
)

// PrometheusSource implements Source by querying a Prometheus server.
type PrometheusSource struct {
	Client  v1.API
	Timeout time.Duration
}

// NewPrometheusSource initializes the Prometheus client connection.
func NewPrometheusSource(promURL string) (*PrometheusSource, error) {
	client, err := api.NewClient(api.Config{
		Address: promURL,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating Prometheus client: %w", err)
	}

	return &PrometheusSource{
		Client:  v1.NewAPI(client),
		Timeout: 3 * time.Second,
	}, nil
}

// FetchMetrics executes the PromQL queries and converts the results into HealthData.
func (p *PrometheusSource) FetchMetrics(ctx context.Context) (HealthData, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	now := time.Now()
	data := HealthData{}

	queryAndExtract := func(query string) (float64, error) {
		result, _, err := p.Client.Query(ctx, query, now)
		if err != nil {
			return 0, fmt.Errorf("prometheus query error for %s: %w", query, err)
		}
		return scalarOf(result), nil
	}

	var err error
	if data.TPS, err = queryAndExtract(TPSQuery); err != nil {
		return data, err
	}
	if data.AvgTickMs, err = queryAndExtract(AvgTickQuery); err != nil {
		return data, err
	}
	if data.P99TickMs, err = queryAndExtract(P99TickQuery); err != nil {
		return data, err
	}
	if data.LoadFactor, err = queryAndExtract(LoadFactorQuery); err != nil {
		return data, err
	}
	degraded, err := queryAndExtract(DegradedQuery)
	if err != nil {
		return data, err
	}
	data.Degraded = degraded > 0

	return data, nil
}

// scalarOf extracts the single value of an instant query. Missing data yields 0,
// which the limiter treats as "no signal".
func scalarOf(v model.Value) float64 {
	switch r := v.(type) {
	case model.Vector:
		if len(r) > 0 {
			return float64(r[0].Value)
		}
	case *model.Scalar:
		if r != nil {
			return float64(r.Value)
		}
	}
	return 0
}
