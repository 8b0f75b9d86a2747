package transport

import (
	"testing"
	"time"
)

func TestLossRecoveryOnPacketSentTracksBytesInFlight(t *testing.T) {
	r := newLossRecovery(1200)
	now := time.Now()
	r.onPacketSent(now, 1, 1200, true, true, nil)
	if r.bytesInFlight != 1200 {
		t.Fatalf("expected bytesInFlight 1200, got %d", r.bytesInFlight)
	}
	if r.largestSentPacket != 1 {
		t.Fatalf("expected largestSentPacket 1, got %d", r.largestSentPacket)
	}
	if r.lossDetectionAlarm.IsZero() {
		t.Fatal("expected loss detection alarm to be armed")
	}
}

func TestLossRecoveryOnAckReceivedClearsSentPacket(t *testing.T) {
	r := newLossRecovery(1200)
	now := time.Now()
	r.onPacketSent(now, 1, 1200, true, true, nil)

	var ranges RangeSet
	ranges.InsertOne(1)

	var ackedPN uint64
	r.onAckReceived(now.Add(10*time.Millisecond), ranges, 0, func(sp *sentPacket) {
		ackedPN = sp.packetNumber
	})
	if ackedPN != 1 {
		t.Fatalf("expected ackedFn called with pn=1, got %d", ackedPN)
	}
	if _, ok := r.sentPackets[1]; ok {
		t.Fatal("expected packet 1 to be removed from sentPackets")
	}
	if r.bytesInFlight != 0 {
		t.Fatalf("expected bytesInFlight 0, got %d", r.bytesInFlight)
	}
	if !r.gotFirstRtt {
		t.Fatal("expected RTT sample to be recorded")
	}
}

func TestLossRecoveryDetectLostPacketsByPacketNumber(t *testing.T) {
	r := newLossRecovery(1200)
	r.reorderingThreshold = 3
	now := time.Now()
	for pn := uint64(1); pn <= 5; pn++ {
		r.onPacketSent(now, pn, 1200, true, true, nil)
	}
	var ranges RangeSet
	ranges.InsertOne(5)
	r.onAckReceived(now, ranges, 0, nil)

	if _, ok := r.sentPackets[1]; ok {
		t.Fatal("expected packet 1 (3+ behind largest acked) to be declared lost")
	}
	if _, ok := r.sentPackets[2]; ok {
		t.Fatal("expected packet 2 (3+ behind largest acked) to be declared lost")
	}
	if len(r.lostPackets) != 2 {
		t.Fatalf("expected 2 packets recorded lost, got %d: %v", len(r.lostPackets), r.lostPackets)
	}
}

func TestLossRecoveryDetectLostPacketsByTime(t *testing.T) {
	// largestAckedPacket ends up equal to largestSentPacket here (only
	// packet 2 is ever sent after packet 1), which arms the FACK-style
	// early-retransmit delay (5/4*rtt). Packet 2 is sent and acked close
	// together so its RTT sample stays small, keeping that delay well
	// under the 100ms packet 1 has been outstanding.
	r := newLossRecovery(1200)
	r.gotFirstRtt = true
	r.smoothedRtt = 10 * time.Millisecond
	r.minRtt = 10 * time.Millisecond
	r.rttvar = 5 * time.Millisecond
	now := time.Now()
	r.onPacketSent(now, 1, 1200, true, true, nil)
	r.onPacketSent(now.Add(95*time.Millisecond), 2, 1200, true, true, nil)

	var ranges RangeSet
	ranges.InsertOne(2)
	r.onAckReceived(now.Add(100*time.Millisecond), ranges, 0, nil)

	if _, ok := r.sentPackets[1]; ok {
		t.Fatal("expected packet 1 to be declared lost by time threshold")
	}
}

func TestLossRecoveryEarlyRetransmitRequiresFullyAcked(t *testing.T) {
	// largestAckedPacket (2) != largestSentPacket (3): the early-retransmit
	// delay must not arm, so a below-threshold packet 1 survives purely on
	// elapsed time even though it has been outstanding a long while.
	r := newLossRecovery(1200)
	r.reorderingThreshold = 3
	r.gotFirstRtt = true
	r.smoothedRtt = 10 * time.Millisecond
	r.minRtt = 10 * time.Millisecond
	r.rttvar = 5 * time.Millisecond
	now := time.Now()
	r.onPacketSent(now, 1, 1200, true, true, nil)
	r.onPacketSent(now.Add(95*time.Millisecond), 2, 1200, true, true, nil)
	r.onPacketSent(now.Add(95*time.Millisecond), 3, 1200, true, true, nil)

	var ranges RangeSet
	ranges.InsertOne(2)
	r.onAckReceived(now.Add(100*time.Millisecond), ranges, 0, nil)

	if _, ok := r.sentPackets[1]; !ok {
		t.Fatal("expected packet 1 to survive: early retransmit is disarmed and it is within the packet-number threshold")
	}
}

func TestLossRecoveryPureTimeModeDisablesPacketThreshold(t *testing.T) {
	// With usingTimeLossDetection set, a packet far below the
	// packet-number threshold must still be declared lost on elapsed
	// time alone, and the packet-number check must never fire on its own.
	r := newLossRecovery(1200)
	r.usingTimeLossDetection = true
	r.reorderingThreshold = 3
	r.gotFirstRtt = true
	r.smoothedRtt = 10 * time.Millisecond
	r.minRtt = 10 * time.Millisecond
	r.rttvar = 5 * time.Millisecond
	now := time.Now()
	r.onPacketSent(now, 1, 1200, true, true, nil)
	r.onPacketSent(now.Add(95*time.Millisecond), 2, 1200, true, true, nil)

	var ranges RangeSet
	ranges.InsertOne(2)
	r.onAckReceived(now.Add(100*time.Millisecond), ranges, 0, nil)

	if _, ok := r.sentPackets[1]; ok {
		t.Fatal("expected packet 1 to be declared lost by the pure time-based delay")
	}

	// Packet 3 trails the next ack by the full packet-number threshold but
	// was sent only a millisecond before it, so only the packet-number
	// check could declare it lost.
	for pn := uint64(3); pn <= 6; pn++ {
		r.onPacketSent(now.Add(100*time.Millisecond), pn, 1200, true, true, nil)
	}
	var later RangeSet
	later.InsertOne(6)
	r.onAckReceived(now.Add(101*time.Millisecond), later, 0, nil)
	if _, ok := r.sentPackets[3]; !ok {
		t.Fatal("expected packet 3 to survive: the packet-number threshold is disabled in pure time mode")
	}
}

func TestLossRecoveryCongestionWindowGrowsOnAck(t *testing.T) {
	r := newLossRecovery(1200)
	before := r.congestionWindow
	now := time.Now()
	r.onPacketSent(now, 1, 1200, true, true, nil)
	var ranges RangeSet
	ranges.InsertOne(1)
	r.onAckReceived(now.Add(time.Millisecond), ranges, 0, nil)
	if r.congestionWindow <= before {
		t.Fatalf("expected congestion window to grow past %d, got %d", before, r.congestionWindow)
	}
}

func TestLossRecoveryOnPacketsLostReducesWindow(t *testing.T) {
	r := newLossRecovery(1200)
	before := r.congestionWindow
	now := time.Now()
	r.onPacketSent(now, 1, 1200, true, true, nil)
	r.largestSentPacket = 1
	sp := r.sentPackets[1]
	r.onPacketsLost(now, []*sentPacket{sp})
	if r.congestionWindow >= before {
		t.Fatalf("expected congestion window to shrink below %d, got %d", before, r.congestionWindow)
	}
	if r.ssthresh != r.congestionWindow {
		t.Fatalf("expected ssthresh to match new congestion window")
	}
}

func TestLossRecoveryRTOBackoff(t *testing.T) {
	r := newLossRecovery(1200)
	r.handshakeComplete = true
	r.tlpCount = maxTLPCount
	base := r.rto()
	r.rtoCount = 1
	backed := r.rto()
	if backed != base<<1 {
		t.Fatalf("expected RTO to double with rtoCount=1: base=%v backed=%v", base, backed)
	}
}

func TestLossRecoveryOnLossDetectionAlarmHandshake(t *testing.T) {
	r := newLossRecovery(1200)
	probe, rto := r.onLossDetectionAlarm(time.Now())
	if !probe || rto {
		t.Fatalf("expected handshake probe, got probe=%v rto=%v", probe, rto)
	}
	if r.handshakeCount != 1 {
		t.Fatalf("expected handshakeCount 1, got %d", r.handshakeCount)
	}
}

func TestLossRecoveryOnLossDetectionAlarmEscalatesToRTO(t *testing.T) {
	r := newLossRecovery(1200)
	r.handshakeComplete = true
	for i := 0; i < maxTLPCount; i++ {
		probe, rto := r.onLossDetectionAlarm(time.Now())
		if !probe || rto {
			t.Fatalf("expected TLP probe %d, got probe=%v rto=%v", i, probe, rto)
		}
	}
	probe, rto := r.onLossDetectionAlarm(time.Now())
	if !probe || !rto {
		t.Fatalf("expected RTO after exhausting TLPs, got probe=%v rto=%v", probe, rto)
	}
	if r.rtoCount != 1 {
		t.Fatalf("expected rtoCount 1, got %d", r.rtoCount)
	}
}

func TestLossRecoveryDetectSpuriousRTO(t *testing.T) {
	r := newLossRecovery(1200)
	r.rtoCount = 2
	r.tlpCount = 2
	r.handshakeCount = 1
	r.largestSentBeforeRto = 10
	r.detectSpuriousRTO(5)
	if r.rtoCount != 0 || r.tlpCount != 0 || r.handshakeCount != 0 {
		t.Fatalf("expected counters reset on spurious RTO detection, got rto=%d tlp=%d hs=%d", r.rtoCount, r.tlpCount, r.handshakeCount)
	}
}

func TestLossRecoveryDetectSpuriousRTONotTriggeredAfterBoundary(t *testing.T) {
	r := newLossRecovery(1200)
	r.rtoCount = 2
	r.largestSentBeforeRto = 10
	r.detectSpuriousRTO(15)
	if r.rtoCount != 2 {
		t.Fatalf("expected rtoCount unchanged for ack past the RTO boundary, got %d", r.rtoCount)
	}
}

func TestLossRecoveryCongestionBlocked(t *testing.T) {
	r := newLossRecovery(1200)
	r.congestionWindow = 1200
	r.bytesInFlight = 1200
	if !r.congestionBlocked() {
		t.Fatal("expected congestion blocked when bytesInFlight == congestionWindow")
	}
	r.bytesInFlight = 0
	if r.congestionBlocked() {
		t.Fatal("expected not congestion blocked when bytesInFlight is 0")
	}
}

func TestLossRecoveryInRecovery(t *testing.T) {
	r := newLossRecovery(1200)
	r.endOfRecovery = 10
	if !r.inRecovery(5) {
		t.Fatal("expected pn=5 to be within recovery period")
	}
	if r.inRecovery(11) {
		t.Fatal("expected pn=11 to be past recovery period")
	}
}
