package callstate

// EnergyCadenceDetector is a conservative local machine-detection heuristic.
// Recorded greetings tend to open with a long span of continuous speech;
// humans answering a call pause within the first couple of seconds. The
// detector watches the opening window of inbound PCM and trips when it
// sees continuous voice energy with no pause for longer than a human
// greeting plausibly lasts.
//
// Provider-native detection remains the primary signal; this exists for
// deployments where AMD is unavailable. Thresholds are deliberately strict
// so a false positive (hanging up on a human) stays unlikely.
type EnergyCadenceDetector struct {
	energyThreshold int64 // mean absolute sample value considered "voice"
	windowFrames    int   // analysis window length, in 20ms frames
	tripFrames      int   // continuous voiced frames that trip detection
	framesSeen      int
	voicedRun       int
	tripped         bool
}

// NewEnergyCadenceDetector returns a detector with the default thresholds:
// a 5s analysis window tripping on 3s of unbroken speech.
func NewEnergyCadenceDetector() *EnergyCadenceDetector {
	return &EnergyCadenceDetector{
		energyThreshold: 500,
		windowFrames:    250, // 5s of 20ms frames
		tripFrames:      150, // 3s of unbroken voice
	}
}

// Feed consumes one 16-bit PCM frame and reports whether the detector has
// concluded a machine answered. After the analysis window passes without a
// trip, it stays false forever.
func (d *EnergyCadenceDetector) Feed(pcm []byte) bool {
	if d.tripped {
		return true
	}
	d.framesSeen++
	if d.framesSeen > d.windowFrames {
		return false
	}

	var sum int64
	n := len(pcm) / 2
	if n == 0 {
		return false
	}
	for i := 0; i < n; i++ {
		v := int64(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
		if v < 0 {
			v = -v
		}
		sum += v
	}

	if sum/int64(n) >= d.energyThreshold {
		d.voicedRun++
	} else {
		d.voicedRun = 0
	}

	if d.voicedRun >= d.tripFrames {
		d.tripped = true
	}
	return d.tripped
}
