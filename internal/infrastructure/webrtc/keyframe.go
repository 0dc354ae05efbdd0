package webrtc

import (
	"sync"
	"time"

	"github.com/pion/rtp"
)

// keyframeWatcher decides when a remote video stream needs a picture loss
// indication: on the first packet, and whenever no keyframe has arrived for
// longer than interval. Requests are spaced by at least interval.
type keyframeWatcher struct {
	mu           sync.Mutex
	interval     time.Duration
	lastKeyframe time.Time
	lastRequest  time.Time
}

func newKeyframeWatcher(interval time.Duration) *keyframeWatcher {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &keyframeWatcher{interval: interval}
}

// observe reports whether a PLI should be sent after packet.
func (w *keyframeWatcher) observe(packet *rtp.Packet, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if isVP8Keyframe(packet.Payload) {
		w.lastKeyframe = now
		return false
	}
	if !w.lastKeyframe.IsZero() && now.Sub(w.lastKeyframe) < w.interval {
		return false
	}
	if !w.lastRequest.IsZero() && now.Sub(w.lastRequest) < w.interval {
		return false
	}
	w.lastRequest = now
	return true
}

// isVP8Keyframe parses the VP8 payload descriptor (RFC 7741 section 4.2) and
// checks the P bit of the first partition.
func isVP8Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	desc := payload[0]
	start := desc&0x10 != 0
	partition := desc & 0x07
	if !start || partition != 0 {
		return false
	}

	i := 1
	if desc&0x80 != 0 {
		if len(payload) <= i {
			return false
		}
		ext := payload[i]
		i++
		if ext&0x80 != 0 { // picture id
			if len(payload) <= i {
				return false
			}
			if payload[i]&0x80 != 0 {
				i += 2
			} else {
				i++
			}
		}
		if ext&0x40 != 0 { // tl0picidx
			i++
		}
		if ext&0x30 != 0 { // tid / keyidx
			i++
		}
	}
	if len(payload) <= i {
		return false
	}
	return payload[i]&0x01 == 0
}
