package transport

import (
	"net"
	"time"

	"golang.org/x/time/rate"

	"unnamed-rts/server/internal/queue"
	"unnamed-rts/server/internal/telemetry"
)

type outgoing struct {
	channel Channel
	payload []byte
}

type peer struct {
	addr net.Addr
	key  string

	lastRecv time.Time
	lastSend time.Time

	inbox  *queue.Ring[Delivery]
	outbox *queue.Ring[outgoing]

	sendSeq      [channelCount]uint32
	seqHighest   uint32
	seqDelivered bool

	receiver reliableReceiver
	sender   reliableSender
	ackDirty bool
	rtt      rttEstimator

	limiter  *rate.Limiter
	offenses int
}

func newPeer(addr net.Addr, now time.Time, cfg Config, metrics telemetry.Metrics) *peer {
	return &peer{
		addr:     addr,
		key:      addr.String(),
		lastRecv: now,
		lastSend: now,
		inbox: queue.NewRing[Delivery](cfg.InboxCapacity,
			queue.WithMetrics(metrics, telemetry.MetricInboxOccupancy, telemetry.MetricInboxOverflow)),
		outbox: queue.NewRing[outgoing](cfg.OutboxCapacity,
			queue.WithMetrics(metrics, telemetry.MetricOutboxOccupancy, telemetry.MetricOutboxOverflow)),
		receiver: newReliableReceiver(),
		sender:   newReliableSender(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.PacketRate), cfg.PacketBurst),
	}
}

// deliver queues d. A full inbox evicts its oldest unreliable or sequenced
// delivery before touching reliable ones.
func (p *peer) deliver(d Delivery) {
	p.inbox.PushEvicting(d, func(queued Delivery) bool {
		return queued.Channel != ChannelReliable
	})
}
