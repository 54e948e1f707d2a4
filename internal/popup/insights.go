package popup

import (
	"math"

	"github.com/bigbes/netmeter/internal/monitor"
	"github.com/bigbes/netmeter/internal/traffic"
)

const (
	// AveragePacketBytes is the assumed packet size for packet estimates.
	AveragePacketBytes = 512

	// PeakUsageFactor scales the total into the peak usage estimate.
	PeakUsageFactor = 1.5
)

// Insights are usage figures derived from a getData response. Sizes are
// in bytes.
type Insights struct {
	SentPackets     uint64
	ReceivedPackets uint64
	TotalPackets    uint64

	AvgSentBytes     float64
	AvgReceivedBytes float64
	AvgTotalBytes    float64

	// EfficiencyPercent is the received share of all traffic, rounded.
	EfficiencyPercent int
	// PeakUsage is the total scaled by PeakUsageFactor, formatted in Units.
	PeakUsage string
	Units     traffic.Unit
}

// ComputeInsights derives Insights from d. Packet estimates never go below
// one per direction.
func ComputeInsights(d monitor.Data) Insights {
	u := d.Units
	if !u.Valid() {
		u = traffic.DefaultUnit
	}
	sentBytes := displayBits(d.Sent, u) / 8
	receivedBytes := displayBits(d.Received, u) / 8
	totalBytes := sentBytes + receivedBytes

	in := Insights{
		SentPackets:     estimatePackets(sentBytes),
		ReceivedPackets: estimatePackets(receivedBytes),
		Units:           u,
	}
	in.TotalPackets = in.SentPackets + in.ReceivedPackets
	in.AvgSentBytes = sentBytes / float64(in.SentPackets)
	in.AvgReceivedBytes = receivedBytes / float64(in.ReceivedPackets)
	in.AvgTotalBytes = totalBytes / float64(in.TotalPackets)

	sent, received := traffic.ParseDisplay(d.Sent), traffic.ParseDisplay(d.Received)
	if sum := sent + received; sum > 0 {
		in.EfficiencyPercent = int(math.Round(received / sum * 100))
	}
	in.PeakUsage = traffic.Convert(traffic.ToBits(traffic.ParseDisplay(d.Total)*PeakUsageFactor, u), u)
	return in
}

func estimatePackets(bytes float64) uint64 {
	n := math.Floor(bytes / AveragePacketBytes)
	if n < 1 || math.IsNaN(n) {
		return 1
	}
	if n > traffic.MaxSafeBits {
		return traffic.MaxSafeBits
	}
	return uint64(n)
}
