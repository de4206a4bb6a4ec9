package models

// Bottleneck thresholds in milliseconds.
const (
	fastDBThresholdMs    = 5.0
	slowStageThresholdMs = 50.0
)

// Bottleneck names the stage that dominated a request.
type Bottleneck string

const (
	BottleneckDB      Bottleneck = "DB"
	BottleneckNetwork Bottleneck = "Network"
	BottleneckServer  Bottleneck = "Server"
)

// LatencyBreakdown splits a client-observed round trip into stages.
type LatencyBreakdown struct {
	TotalMs    float64    `json:"totalMs"`
	ServerMs   float64    `json:"serverMs"`
	DBMs       float64    `json:"dbMs"`
	NetworkMs  float64    `json:"networkMs"`
	Bottleneck Bottleneck `json:"bottleneck"`
}

// Breakdown attributes a round trip to network, server or database. The
// database is blamed unless it answered quickly while another stage was slow.
func Breakdown(totalMs, serverMs, dbMs float64) LatencyBreakdown {
	network := totalMs - serverMs
	if network < 0 {
		network = 0
	}

	b := LatencyBreakdown{
		TotalMs:    totalMs,
		ServerMs:   serverMs,
		DBMs:       dbMs,
		NetworkMs:  network,
		Bottleneck: BottleneckDB,
	}

	if dbMs < fastDBThresholdMs {
		switch {
		case network > slowStageThresholdMs:
			b.Bottleneck = BottleneckNetwork
		case serverMs > slowStageThresholdMs:
			b.Bottleneck = BottleneckServer
		}
	}
	return b
}
