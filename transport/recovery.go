package transport

import "time"

// Loss detection and congestion control constants (kTimeThreshold,
// kPacketThreshold, kMinTLPTimeout, kMinRTOTimeout, NewReno's beta and
// minimum window).
const (
	maxAckBlocks = 64

	timeReorderingFraction = 8 // 1/8 RTT, i.e. time_threshold = rtt + rtt/8
	packetReorderingThreshold = 3

	minTLPTimeout   = 10 * time.Millisecond
	minRTOTimeout   = 200 * time.Millisecond
	defaultInitialRTT = 100 * time.Millisecond

	maxTLPCount = 2

	lossReductionFactor = 2 // cwnd *= 1/2 on congestion event
	minimumWindow       = 2 * 1200
)

// sentPacket records everything needed to detect its loss and, if lost,
// reconstruct its retransmission.
type sentPacket struct {
	packetNumber  uint64
	timeSent      time.Time
	size          int
	ackEliciting  bool
	inFlight      bool
	frames        []frame
	includesData  bool // carries a STREAM frame worth bytes_in_flight to a stream
}

// lossRecovery is the single connection-wide RTT/loss-detection/
// congestion-control ledger: one instance serves the whole
// connection regardless of packet type, matching the single
// packet-number-space architecture.
type lossRecovery struct {
	sentPackets map[uint64]*sentPacket

	bytesInFlight    uint64
	congestionWindow uint64
	ssthresh         uint64
	endOfRecovery    uint64
	inRecoveryFlag   bool

	handshakeCount int
	tlpCount       int
	rtoCount       int

	reorderingThreshold int

	// usingTimeLossDetection switches detectLostPackets to pure
	// time-based loss detection: the packet-number threshold above is
	// disabled and every outstanding packet is judged solely against
	// lossDelay. Default false (FACK-style), matching quinn-proto's
	// using_time_loss_detection default.
	usingTimeLossDetection bool

	lossTime time.Time

	latestRtt    time.Duration
	smoothedRtt  time.Duration
	rttvar       time.Duration
	minRtt       time.Duration
	maxAckDelay  time.Duration
	gotFirstRtt  bool

	largestSentBeforeRto uint64

	timeOfLastSentRetransmittablePacket time.Time
	timeOfLastSentHandshakePacket       time.Time

	largestSentPacket  uint64
	largestAckedPacket uint64

	lossDetectionAlarm time.Time
	handshakeComplete  bool

	lostPackets []uint64
	newlyLost   []*sentPacket
}

// drainLost returns and clears the sentPacket records declared lost
// since the last call, so the caller can requeue their frames for
// retransmission.
func (r *lossRecovery) drainLost() []*sentPacket {
	lost := r.newlyLost
	r.newlyLost = nil
	return lost
}

func newLossRecovery(maxDatagramSize uint64) *lossRecovery {
	return &lossRecovery{
		sentPackets:          make(map[uint64]*sentPacket),
		congestionWindow:     10 * maxDatagramSize,
		ssthresh:             ^uint64(0),
		reorderingThreshold:  packetReorderingThreshold,
		smoothedRtt:          defaultInitialRTT,
		rttvar:               defaultInitialRTT / 2,
		minRtt:               defaultInitialRTT,
	}
}

// onPacketSent records a packet for later loss/ack bookkeeping and
// updates in-flight accounting. Non-ack-eliciting packets (pure ACKs)
// are never added to sentPackets: the peer has no reason to ack them
// back, so they would otherwise sit there until loss detection swept
// them up as spurious "losses" that never get retransmitted.
func (r *lossRecovery) onPacketSent(now time.Time, pn uint64, size int, ackEliciting, inFlight bool, frames []frame) {
	if pn > r.largestSentPacket {
		r.largestSentPacket = pn
	}
	if ackEliciting {
		sp := &sentPacket{packetNumber: pn, timeSent: now, size: size, ackEliciting: ackEliciting, inFlight: inFlight, frames: frames}
		r.sentPackets[pn] = sp
	}
	if inFlight {
		r.bytesInFlight += uint64(size)
		if ackEliciting {
			r.timeOfLastSentRetransmittablePacket = now
		}
		r.setLossDetectionAlarm(now)
	}
}

// updateRtt applies a fresh RTT sample using an RFC 6298-style EWMA,
// clamping the reported ack_delay to max_ack_delay before subtracting
// it from the raw sample.
func (r *lossRecovery) updateRtt(now time.Time, sendTime time.Time, ackDelay time.Duration) {
	sample := now.Sub(sendTime)
	if sample <= 0 {
		return
	}
	if !r.gotFirstRtt {
		r.gotFirstRtt = true
		r.minRtt = sample
		r.smoothedRtt = sample
		r.rttvar = sample / 2
		r.latestRtt = sample
		return
	}
	r.latestRtt = sample
	if sample < r.minRtt {
		r.minRtt = sample
	}
	adjusted := sample
	if ackDelay > r.maxAckDelay {
		ackDelay = r.maxAckDelay
	}
	if adjusted > r.minRtt+ackDelay {
		adjusted -= ackDelay
	}
	rttvarSample := absDuration(r.smoothedRtt - adjusted)
	r.rttvar = (r.rttvar*3 + rttvarSample) / 4
	r.smoothedRtt = (r.smoothedRtt*7 + adjusted) / 8
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// onAckReceived processes a decoded ACK range set against sentPackets,
// acking and removing each covered packet, applying congestion control,
// then running loss detection over whatever remains below the newly
// acked largest packet number.
//
// ackedFn is invoked once per newly-acked packet so the caller (Conn)
// can fold per-stream/per-frame bookkeeping (stream bytes_in_flight,
// retransmit-queue pruning) into the same pass.
func (r *lossRecovery) onAckReceived(now time.Time, ranges RangeSet, ackDelay time.Duration, ackedFn func(*sentPacket)) {
	if ranges.Len() == 0 {
		return
	}
	largest := ranges.Max()
	if largest > r.largestAckedPacket {
		r.largestAckedPacket = largest
	}
	if sp, ok := r.sentPackets[largest]; ok && sp.ackEliciting {
		r.updateRtt(now, sp.timeSent, ackDelay)
	}

	var newlyAcked []*sentPacket
	for _, rg := range ranges {
		for pn := rg.Start; pn <= rg.End; pn++ {
			if sp, ok := r.sentPackets[pn]; ok {
				newlyAcked = append(newlyAcked, sp)
			}
		}
	}
	for _, sp := range newlyAcked {
		r.onPacketAcked(now, sp)
		if ackedFn != nil {
			ackedFn(sp)
		}
	}

	r.detectLostPackets(now)
	r.setLossDetectionAlarm(now)
}

// onPacketAcked removes the packet from the sent-packet ledger, reduces
// bytes_in_flight, and grows the congestion window unless the packet was
// sent within the current recovery period.
func (r *lossRecovery) onPacketAcked(now time.Time, sp *sentPacket) {
	delete(r.sentPackets, sp.packetNumber)
	if sp.inFlight {
		if r.bytesInFlight >= uint64(sp.size) {
			r.bytesInFlight -= uint64(sp.size)
		} else {
			r.bytesInFlight = 0
		}
	}
	if sp.packetNumber <= r.endOfRecovery {
		return // still within the recovery period; cwnd growth paused
	}
	if r.congestionWindow < r.ssthresh {
		r.congestionWindow += uint64(sp.size) // slow start
	} else {
		r.congestionWindow += uint64(sp.size) * uint64(sp.size) / r.congestionWindow // congestion avoidance, NewReno-style
	}
	if sp.packetNumber >= r.largestSentBeforeRto {
		r.handshakeCount = 0
		r.tlpCount = 0
		r.rtoCount = 0
	}
}

// onPacketsLost applies a single congestion-window reduction for a
// burst of losses detected together: one congestion event per
// detection episode, not one per packet.
func (r *lossRecovery) onPacketsLost(now time.Time, lost []*sentPacket) {
	if len(lost) == 0 {
		return
	}
	var largest uint64
	for _, sp := range lost {
		if sp.packetNumber > largest {
			largest = sp.packetNumber
		}
		if sp.inFlight {
			if r.bytesInFlight >= uint64(sp.size) {
				r.bytesInFlight -= uint64(sp.size)
			} else {
				r.bytesInFlight = 0
			}
		}
	}
	if largest > r.endOfRecovery {
		r.endOfRecovery = r.largestSentPacket
		r.congestionWindow /= lossReductionFactor
		if r.congestionWindow < minimumWindow {
			r.congestionWindow = minimumWindow
		}
		r.ssthresh = r.congestionWindow
	}
}

// detectLostPackets walks sentPackets below the largest acked packet,
// declaring a packet lost if it falls far enough behind in packet
// number (FACK-style) or was sent long enough ago (time-based).
//
// The two modes are mutually exclusive, matching quinn-proto's
// detect_lost_packets: usingTimeLossDetection runs purely on elapsed
// time and disables the packet-number threshold outright; the default
// FACK-style mode keeps the packet-number threshold always on and
// additionally arms a 5/4*rtt early-retransmit alarm, but only once
// the peer has acked everything sent so far (largestAckedPacket ==
// largestSentPacket) -- otherwise a packet below the threshold is
// left to reordering and not timed out at all.
func (r *lossRecovery) detectLostPackets(now time.Time) {
	r.lossTime = time.Time{}

	rtt := r.latestRtt
	if r.smoothedRtt > rtt {
		rtt = r.smoothedRtt
	}

	const noTimeDelay = time.Duration(-1)
	lossDelay := noTimeDelay
	packetThresholdEnabled := true
	switch {
	case r.usingTimeLossDetection:
		lossDelay = rtt + rtt/timeReorderingFraction
		packetThresholdEnabled = false
	case r.largestAckedPacket == r.largestSentPacket:
		lossDelay = rtt * 5 / 4
	}

	var lost []*sentPacket
	var lostPNs []uint64
	for pn, sp := range r.sentPackets {
		if pn > r.largestAckedPacket {
			continue
		}
		timeLost := lossDelay >= 0 && !sp.timeSent.IsZero() && now.Sub(sp.timeSent) >= lossDelay
		pnLost := packetThresholdEnabled && r.largestAckedPacket >= uint64(r.reorderingThreshold) && pn <= r.largestAckedPacket-uint64(r.reorderingThreshold)
		if timeLost || pnLost {
			lost = append(lost, sp)
			lostPNs = append(lostPNs, pn)
			continue
		}
		if lossDelay >= 0 {
			due := sp.timeSent.Add(lossDelay)
			if r.lossTime.IsZero() || due.Before(r.lossTime) {
				r.lossTime = due
			}
		}
	}
	for _, pn := range lostPNs {
		delete(r.sentPackets, pn)
	}
	r.lostPackets = append(r.lostPackets, lostPNs...)
	r.newlyLost = append(r.newlyLost, lost...)
	r.onPacketsLost(now, lost)
}

// rto computes the retransmission timeout: smoothed_rtt + 4*rttvar +
// max_ack_delay, floored at min_rto_timeout and left-shifted by
// rto_count.
func (r *lossRecovery) rto() time.Duration {
	base := r.smoothedRtt + 4*r.rttvar + r.maxAckDelay
	if base < minRTOTimeout {
		base = minRTOTimeout
	}
	return base << uint(r.rtoCount)
}

// tlpTimeout computes the Tail Loss Probe delay.
func (r *lossRecovery) tlpTimeout() time.Duration {
	d := r.smoothedRtt * 3 / 2
	if r.maxAckDelay > 0 && d < r.maxAckDelay*2 {
		d = r.maxAckDelay * 2
	}
	if d < minTLPTimeout {
		d = minTLPTimeout
	}
	return d
}

// setLossDetectionAlarm arms the single loss-detection timer, choosing
// between the loss_time deadline, a TLP, and an RTO.
func (r *lossRecovery) setLossDetectionAlarm(now time.Time) {
	if r.bytesInFlight == 0 {
		r.lossDetectionAlarm = time.Time{}
		return
	}
	if !r.lossTime.IsZero() {
		r.lossDetectionAlarm = r.lossTime
		return
	}
	if !r.handshakeComplete {
		timeout := minTLPTimeout << uint(r.handshakeCount)
		r.lossDetectionAlarm = r.timeOfLastSentHandshakePacket.Add(timeout)
		return
	}
	if r.tlpCount < maxTLPCount {
		r.lossDetectionAlarm = r.timeOfLastSentRetransmittablePacket.Add(r.tlpTimeout())
		return
	}
	r.lossDetectionAlarm = r.timeOfLastSentRetransmittablePacket.Add(r.rto())
}

// onLossDetectionAlarm fires when lossDetectionAlarm elapses: it either
// fast-forwards detectLostPackets (the armed deadline was loss_time) or
// counts a handshake/TLP/RTO probe. It reports whether a probe packet
// should be sent and whether this firing was an RTO.
func (r *lossRecovery) onLossDetectionAlarm(now time.Time) (probeNeeded bool, rtoFired bool) {
	if !r.lossTime.IsZero() && !now.Before(r.lossTime) {
		r.detectLostPackets(now)
		return false, false
	}
	if !r.handshakeComplete {
		r.handshakeCount++
		return true, false
	}
	if r.tlpCount < maxTLPCount {
		r.tlpCount++
		return true, false
	}
	// RTO: remember the largest sent packet number so a spurious RTO (the
	// peer acks packets sent before this RTO that we thought lost) can be
	// detected and the congestion window clamped to minimumWindow.
	r.rtoCount++
	r.largestSentBeforeRto = r.largestSentPacket
	return true, true
}

// detectSpuriousRTO clamps the congestion window to minimumWindow and
// resets the probe counters if the peer later acks a packet sent before
// the RTO fired.
func (r *lossRecovery) detectSpuriousRTO(ackedPacketNumber uint64) {
	if r.rtoCount > 0 && ackedPacketNumber < r.largestSentBeforeRto {
		r.congestionWindow = minimumWindow
		r.rtoCount = 0
		r.tlpCount = 0
		r.handshakeCount = 0
	}
}

func (r *lossRecovery) congestionBlocked() bool {
	return r.bytesInFlight >= r.congestionWindow
}

func (r *lossRecovery) inRecovery(pn uint64) bool {
	return pn <= r.endOfRecovery
}
