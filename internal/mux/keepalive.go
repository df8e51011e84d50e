package mux

import (
	"math/rand"
	"time"
)

// keepaliveLoop fires a Ping with a fresh random nonce roughly every
// interval onto outbound, until stop fires. Pongs are not tracked here;
// liveness is checked by session.go's idleTimeoutLoop, since keepalive
// traffic alone does not detect a silently dead peer.
func keepaliveLoop(outbound chan<- Frame, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			frame := Frame{Type: FramePing, Nonce: rand.Uint64()}
			select {
			case outbound <- frame:
			case <-stop:
				return
			}
		case <-stop:
			return
		}
	}
}
