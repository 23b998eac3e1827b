package systems

import (
	"errors"
	"log"
	"time"

	"github.com/automoto/posemesh/session"
	"github.com/automoto/posemesh/shared/messages"
	"github.com/automoto/posemesh/shared/netconfig"
)

const joinQueueSize = 64

// Publisher broadcasts the local pose at a bounded rate, however often it is
// ticked, and greets every newly joined peer with one unicast full state.
type Publisher struct {
	sess     *session.Session
	interval time.Duration

	seq          uint64
	lastSendTime time.Time
	sent         uint64

	joined chan messages.PeerID
	sub    *session.Subscription
}

// NewPublisher sends at most rate poses per second. Non-positive rates use
// the default.
func NewPublisher(s *session.Session, rate float64) *Publisher {
	if rate <= 0 {
		rate = netconfig.DefaultPublishRate
	}
	p := &Publisher{
		sess:     s,
		interval: time.Duration(float64(time.Second) / rate),
		joined:   make(chan messages.PeerID, joinQueueSize),
	}
	p.sub = s.OnPeerJoin(func(id messages.PeerID) {
		select {
		case p.joined <- id:
		default:
			log.Printf("[publisher] join queue full, %s waits for the next broadcast", id)
		}
	})
	return p
}

// Tick sends queued greetings and, when the interval has elapsed, one
// broadcast. It reports whether a broadcast went out.
func (p *Publisher) Tick(now time.Time) bool {
	ch := p.sess.PoseChannel()
	if ch == nil {
		p.drainJoins(nil)
		return false
	}

	local := p.sess.Store().Local()
	p.drainJoins(func(id messages.PeerID) {
		if err := ch.SendTo(local.Payload(p.seq), id); err != nil && !errors.Is(err, session.ErrChannelClosed) {
			log.Printf("[publisher] full state to %s failed: %v", id, err)
		}
	})

	if !p.lastSendTime.IsZero() && now.Sub(p.lastSendTime) < p.interval {
		return false
	}

	p.seq++
	p.lastSendTime = now
	if err := ch.Send(local.Payload(p.seq)); err != nil {
		if !errors.Is(err, session.ErrChannelClosed) {
			log.Printf("[publisher] broadcast failed: %v", err)
		}
		return false
	}
	p.sent++
	return true
}

func (p *Publisher) drainJoins(fn func(messages.PeerID)) {
	for {
		select {
		case id := <-p.joined:
			if fn != nil {
				fn(id)
			}
		default:
			return
		}
	}
}

// Seq is the sequence number of the last broadcast.
func (p *Publisher) Seq() uint64 { return p.seq }

// Sent counts successful broadcasts.
func (p *Publisher) Sent() uint64 { return p.sent }

func (p *Publisher) Close() {
	p.sub.Cancel()
}
