package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	MarkersSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "im_markers_sent_total", Help: "已发出的出站标记数"},
		[]string{"level"},
	)
	MarkersSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "im_marker_skipped_total", Help: "被策略跳过的标记（disabled/not_markable/no_stable_id/duplicate/room_too_large）"},
		[]string{"reason"},
	)
	MarkersReconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "im_markers_reconciled_total", Help: "标记存储变更次数"},
		[]string{"op"},
	)
	InboundMarkers = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "im_marker_inbound_total", Help: "入站消息的标记处理结果"},
		[]string{"result"},
	)
	StoreLoadLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "im_marker_store_load_ms", Help: "标记存储加载耗时", Buckets: prometheus.ExponentialBuckets(1, 2, 14)},
	)
)

func Init() {
	prometheus.MustRegister(MarkersSent)
	prometheus.MustRegister(MarkersSkipped)
	prometheus.MustRegister(MarkersReconciled)
	prometheus.MustRegister(InboundMarkers)
	prometheus.MustRegister(StoreLoadLatency)
}
