// Package janitor runs the relay's periodic sweep (spec component C8):
// closing idle and retention-expired sessions and purging grace-window
// device tokens, mirroring the teacher's stop-channel shutdown idiom in
// server/shutdown.go rather than a raw goroutine with no drain path.
package janitor

import (
	"time"

	"github.com/codexchat/remote-control-relay/internal/logging"
	"github.com/codexchat/remote-control-relay/internal/relaystate"
	"github.com/codexchat/remote-control-relay/internal/tokenutil"
)

// Interval is the fixed sweep period, per spec.md §4.8.
const Interval = 30 * time.Second

// Janitor periodically sweeps a Store for expired sessions and tokens.
type Janitor struct {
	store *relaystate.Store
	log   logging.Logger
	stop  chan struct{}
	done  chan struct{}
}

// New constructs a Janitor bound to store. Call Run to start it.
func New(store *relaystate.Store, log logging.Logger) *Janitor {
	return &Janitor{
		store: store,
		log:   log,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Run sweeps immediately, then every Interval, until Stop is called. It
// should be started in its own goroutine.
func (j *Janitor) Run() {
	defer close(j.done)

	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	j.sweepOnce()
	for {
		select {
		case <-ticker.C:
			j.sweepOnce()
		case <-j.stop:
			return
		}
	}
}

func (j *Janitor) sweepOnce() {
	before := j.store.Stats().SessionCount
	j.store.Sweep(tokenutil.NowMs())
	after := j.store.Stats().SessionCount
	if after < before {
		j.log.Infof("janitor: swept %d expired session(s)", before-after)
	}
}

// Stop asks the sweep loop to exit and blocks until it has.
func (j *Janitor) Stop() {
	close(j.stop)
	<-j.done
}
