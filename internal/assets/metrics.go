package assets

import "github.com/prometheus/client_golang/prometheus"

// Result label values.
const (
	resultDownloaded = "downloaded"
	resultCached     = "cached"
	resultError      = "error"
)

var downloadsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "firelink_asset_downloads_total",
		Help: "Asset resolutions with download enabled, by asset and result.",
	},
	[]string{"asset", "result"},
)

func init() {
	prometheus.MustRegister(downloadsTotal)

	for _, kind := range []Kind{Kernel, Rootfs} {
		for _, res := range []string{resultDownloaded, resultCached, resultError} {
			downloadsTotal.WithLabelValues(kind.Name, res)
		}
	}
}
