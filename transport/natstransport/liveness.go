package natstransport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/taskwire/transport"
)

// NATS has no broker-side last-will mechanism, so the adapter emulates
// one with liveness heartbeats. A connection that registered a will
// publishes periodic beats carrying the will payload on a liveness
// subject; any client subscribed to a death topic runs a watcher that
// synthesizes the will locally when a device's beats stop for the
// keep-alive window. Clean disconnects send a final closing beat, which
// removes the device from watchers without firing the will.

const livenessPrefix = "taskwire.liveness."

// heartbeat is the liveness beat payload. It carries the sender's will so
// watchers need no prior knowledge of the device to synthesize its death.
type heartbeat struct {
	Identity    string          `json:"identity"`
	WillTopic   string          `json:"will_topic"`
	WillPayload json.RawMessage `json:"will_payload"`
	IntervalMS  int64           `json:"interval_ms"`
	Closing     bool            `json:"closing,omitempty"`
}

// beatLoop publishes heartbeats until stopped. Runs on the will-carrying
// connection only.
func (c *Client) beatLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	beat := heartbeat{
		Identity:   c.identity,
		WillTopic:  c.will.Topic,
		IntervalMS: interval.Milliseconds(),
	}
	beat.WillPayload = json.RawMessage(c.will.Payload)

	data, err := json.Marshal(beat)
	if err != nil {
		c.logger.Errorf("marshal heartbeat: %v", err)
		return
	}
	subject := livenessPrefix + c.identity

	// First beat immediately so watchers learn about us before the first
	// tick.
	c.publishBeat(subject, data)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.publishBeat(subject, data)
		}
	}
}

func (c *Client) publishBeat(subject string, data []byte) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return
	}
	if err := conn.Publish(subject, data); err != nil {
		c.logger.Debugf("heartbeat publish failed: %v", err)
	}
}

// sendClosingBeat tells watchers this identity is going away cleanly.
func (c *Client) sendClosingBeat() {
	if c.will == nil {
		return
	}
	beat := heartbeat{Identity: c.identity, WillTopic: c.will.Topic, Closing: true}
	data, err := json.Marshal(beat)
	if err != nil {
		return
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}
	_ = conn.Publish(livenessPrefix+c.identity, data)
	_ = conn.Flush()
}

// deviceTrack is one watched identity.
type deviceTrack struct {
	lastSeen    time.Time
	willTopic   string
	willPayload []byte
	interval    time.Duration
}

// watcher observes liveness beats and synthesizes last wills for death
// subscriptions. One watcher per client, started lazily on the first
// death-topic subscription.
type watcher struct {
	client *Client

	mu       sync.Mutex
	tracked  map[string]*deviceTrack
	patterns []*deathSub
	sub      *nats.Subscription
	done     chan struct{}
}

type deathSub struct {
	pattern string
	handler transport.Handler
	removed bool
}

func newWatcher(c *Client) *watcher {
	return &watcher{
		client:  c,
		tracked: make(map[string]*deviceTrack),
	}
}

// start subscribes to liveness beats and begins the expiry scan.
func (w *watcher) start(conn *nats.Conn, scanEvery time.Duration) error {
	sub, err := conn.Subscribe(livenessPrefix+">", func(msg *nats.Msg) {
		w.observe(msg.Data)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.sub = sub
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go func() {
		ticker := time.NewTicker(scanEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				w.expire(time.Now())
			}
		}
	}()

	return nil
}

func (w *watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil {
		_ = w.sub.Unsubscribe()
		w.sub = nil
	}
	if w.done != nil {
		close(w.done)
		w.done = nil
	}
}

// addPattern registers a death-topic pattern whose handler should receive
// synthesized wills.
func (w *watcher) addPattern(pattern string, handler transport.Handler) *deathSub {
	ds := &deathSub{pattern: pattern, handler: handler}
	w.mu.Lock()
	w.patterns = append(w.patterns, ds)
	w.mu.Unlock()
	return ds
}

func (w *watcher) removePattern(target *deathSub) {
	w.mu.Lock()
	defer w.mu.Unlock()
	target.removed = true
	for i, ds := range w.patterns {
		if ds == target {
			w.patterns = append(w.patterns[:i], w.patterns[i+1:]...)
			return
		}
	}
}

// observe processes one liveness beat.
func (w *watcher) observe(data []byte) {
	var beat heartbeat
	if err := json.Unmarshal(data, &beat); err != nil || beat.Identity == "" {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if beat.Closing {
		delete(w.tracked, beat.Identity)
		return
	}

	interval := time.Duration(beat.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	w.tracked[beat.Identity] = &deviceTrack{
		lastSeen:    time.Now(),
		willTopic:   beat.WillTopic,
		willPayload: beat.WillPayload,
		interval:    interval,
	}
}

// expire fires wills for identities whose beats have stopped. An identity
// is considered dead after three missed intervals.
func (w *watcher) expire(now time.Time) {
	type firing struct {
		topic   string
		payload []byte
		handler transport.Handler
	}

	w.mu.Lock()
	var fire []firing
	for identity, track := range w.tracked {
		if now.Sub(track.lastSeen) < 3*track.interval {
			continue
		}
		delete(w.tracked, identity)
		if track.willTopic == "" {
			continue
		}
		for _, ds := range w.patterns {
			if !ds.removed && transport.MatchTopic(ds.pattern, track.willTopic) {
				fire = append(fire, firing{topic: track.willTopic, payload: track.willPayload, handler: ds.handler})
			}
		}
	}
	w.mu.Unlock()

	for _, f := range fire {
		f.handler(context.Background(), f.topic, f.payload)
	}
}
