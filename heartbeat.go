package stomp

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type direction int

const (
	outbound direction = iota // our keep-alives towards the broker
	inbound                   // staleness watchdog on broker activity
)

func (d direction) String() string {
	if d == outbound {
		return "client"
	}
	return "server"
}

// HeartBeatThresholds are tolerances relative to the negotiated
// heart-beat periods: the client sends a beat once it has been silent
// for Client*period, and gives up on the broker once the broker has
// been silent for Server*period.
type HeartBeatThresholds struct {
	Client float64
	Server float64
}

// DefaultHeartBeatThresholds returns the stock tolerances.
func DefaultHeartBeatThresholds() HeartBeatThresholds {
	return HeartBeatThresholds{Client: 0.8, Server: 2.0}
}

// heartBeater runs two independent self-rearming timers, one per
// direction. Both are cancelled unconditionally on connection loss.
type heartBeater struct {
	client     *Client
	thresholds HeartBeatThresholds

	mu     sync.Mutex
	armed  bool
	timers map[direction]*time.Timer
}

func newHeartBeater(client *Client, thresholds HeartBeatThresholds) *heartBeater {
	return &heartBeater{
		client:     client,
		thresholds: thresholds,
		timers:     make(map[direction]*time.Timer),
	}
}

func (hb *heartBeater) arm() {
	hb.mu.Lock()
	hb.armed = true
	hb.mu.Unlock()
	hb.beat(outbound)
	hb.beat(inbound)
}

func (hb *heartBeater) disarm() {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	hb.armed = false
	for which, timer := range hb.timers {
		timer.Stop()
		delete(hb.timers, which)
	}
}

// beat runs one check for the given direction and re-arms its timer.
func (hb *heartBeater) beat(which direction) {
	hb.mu.Lock()
	if timer, ok := hb.timers[which]; ok {
		timer.Stop()
		delete(hb.timers, which)
	}
	if !hb.armed {
		hb.mu.Unlock()
		return
	}
	hb.mu.Unlock()

	s := hb.client.session
	remaining, enabled := hb.remaining(s, which)
	if !enabled {
		return
	}
	if remaining == 0 {
		if which == outbound {
			if err := hb.client.SendFrame(s.beat()); err != nil {
				log.Warnf("Sending heart-beat failed: %v", err)
			}
			// after a beat the next check is due a full period out
			remaining, _ = s.heartBeats()
		} else {
			log.Error("Broker heart-beat timed out")
			go hb.client.Disconnect(connectionError("server heart-beat timeout"))
			return
		}
	}

	hb.mu.Lock()
	defer hb.mu.Unlock()
	if !hb.armed {
		return
	}
	hb.timers[which] = time.AfterFunc(remaining, func() { hb.beat(which) })
}

// remaining computes the time until the next check is due for the
// direction; enabled is false when the negotiated period is 0.
func (hb *heartBeater) remaining(s *session, which direction) (time.Duration, bool) {
	clientPeriod, serverPeriod := s.heartBeats()
	lastSent, lastReceived := s.activity()

	var period time.Duration
	var threshold float64
	var last time.Time
	if which == outbound {
		period, threshold, last = clientPeriod, hb.thresholds.Client, lastSent
	} else {
		period, threshold, last = serverPeriod, hb.thresholds.Server, lastReceived
	}
	if period == 0 {
		return 0, false
	}
	remaining := time.Duration(threshold*float64(period)) - time.Since(last)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}
