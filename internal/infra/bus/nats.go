package bus

import (
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cordum/procflow/internal/infra/logging"
	"github.com/cordum/procflow/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	envUseJetStream = "NATS_USE_JETSTREAM"
	envJSAckWait    = "NATS_JS_ACK_WAIT"
	envJSMaxAge     = "NATS_JS_MAX_AGE"

	defaultAckWait = 10 * time.Minute
	defaultMaxAge  = 7 * 24 * time.Hour

	streamSys   = "PROCFLOW_SYS"
	streamTasks = "PROCFLOW_TASKS"

	// LabelBusMsgID overrides the JetStream msg-id for explicit resubmits.
	LabelBusMsgID = "procflow.bus_msg_id"

	component = "bus"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errNilPacket  = errors.New("nil bus packet")
	errEmptyTopic = errors.New("empty subject")
)

// Handler consumes a decoded packet. Returning a RetryableError asks JetStream
// to redeliver after the given delay.
type Handler func(*protocol.Packet) error

// NatsBus is a thin wrapper over a NATS connection that speaks JSON packets.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
	ackWait   time.Duration
	subs      []*nats.Subscription
}

// NewNatsBus dials NATS at url.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("procflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Error(component, "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info(component, "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info(component, "connection closed")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc, ackWait: defaultAckWait}
	b.initJetStreamFromEnv()
	return b, nil
}

// Close drains subscriptions and closes the connection.
func (b *NatsBus) Close() error {
	if b == nil || b.nc == nil {
		return nil
	}
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
	b.nc.Close()
	return nil
}

// Publish sends a JSON-encoded packet on subject.
func (b *NatsBus) Publish(subject string, packet *protocol.Packet) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if packet == nil {
		return errNilPacket
	}
	data, err := json.Marshal(packet)
	if err != nil {
		return err
	}
	if b.jsEnabled && isDurableSubject(subject) {
		if msgID := computeMsgID(subject, packet); msgID != "" {
			_, err = b.js.Publish(subject, data, nats.MsgId(msgID))
		} else {
			_, err = b.js.Publish(subject, data)
		}
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe attaches handler to subject. With JetStream enabled, durable
// subjects are consumed with explicit ack/nak semantics.
func (b *NatsBus) Subscribe(subject, queue string, handler Handler) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if handler == nil {
		return errors.New("nil handler")
	}

	var (
		sub *nats.Subscription
		err error
	)
	if b.jsEnabled && isDurableSubject(subject) {
		cb := func(msg *nats.Msg) { b.deliverDurable(msg, handler) }
		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(b.ackWait),
			nats.MaxAckPending(2048),
		}
		if durable := durableName(subject, queue); durable != "" {
			opts = append(opts, nats.Durable(durable))
		}
		if queue == "" {
			sub, err = b.js.Subscribe(subject, cb, opts...)
		} else {
			sub, err = b.js.QueueSubscribe(subject, queue, cb, opts...)
		}
	} else {
		cb := func(msg *nats.Msg) {
			packet, err := decode(msg.Data)
			if err != nil {
				logging.Error(component, "failed to decode packet", "subject", msg.Subject, "error", err)
				return
			}
			if err := handler(packet); err != nil {
				logging.Error(component, "handler error", "subject", msg.Subject, "error", err)
			}
		}
		if queue == "" {
			sub, err = b.nc.Subscribe(subject, cb)
		} else {
			sub, err = b.nc.QueueSubscribe(subject, queue, cb)
		}
	}
	if err != nil {
		return err
	}
	b.subs = append(b.subs, sub)
	return nil
}

func (b *NatsBus) deliverDurable(msg *nats.Msg, handler Handler) {
	packet, err := decode(msg.Data)
	if err != nil {
		logging.Error(component, "failed to decode packet (ack)", "subject", msg.Subject, "error", err)
		_ = msg.Ack()
		return
	}
	if err := handler(packet); err != nil {
		if delay, ok := RetryDelay(err); ok {
			if delay > 0 {
				_ = msg.NakWithDelay(delay)
			} else {
				_ = msg.Nak()
			}
			return
		}
		logging.Error(component, "handler error (ack)", "subject", msg.Subject, "error", err)
	}
	_ = msg.Ack()
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) Status() string {
	if b == nil || b.nc == nil {
		return "UNKNOWN"
	}
	return b.nc.Status().String()
}

func decode(data []byte) (*protocol.Packet, error) {
	var packet protocol.Packet
	if err := json.Unmarshal(data, &packet); err != nil {
		return nil, err
	}
	return &packet, nil
}

func jetStreamEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envUseJetStream))) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil || !jetStreamEnabled() {
		return
	}
	ackWait := envDuration(envJSAckWait, defaultAckWait)
	maxAge := envDuration(envJSMaxAge, defaultMaxAge)

	js, err := b.nc.JetStream()
	if err != nil {
		logging.Error(component, "jetstream init failed", "error", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		logging.Error(component, "jetstream not available", "error", err)
		return
	}

	ensureStream := func(name string, subjects []string) {
		_, err := js.AddStream(&nats.StreamConfig{
			Name:       name,
			Subjects:   subjects,
			Retention:  nats.LimitsPolicy,
			Storage:    nats.FileStorage,
			MaxAge:     maxAge,
			Duplicates: 2 * time.Minute,
		})
		if err == nil {
			logging.Info(component, "jetstream stream ensured", "name", name, "subjects", subjects)
			return
		}
		if _, infoErr := js.StreamInfo(name); infoErr == nil {
			return
		}
		logging.Error(component, "jetstream ensure stream failed", "name", name, "error", err)
	}
	ensureStream(streamSys, []string{"sys.>"})
	ensureStream(streamTasks, []string{"task.>"})

	b.js = js
	b.jsEnabled = true
	b.ackWait = ackWait
	logging.Info(component, "jetstream enabled", "ack_wait", ackWait.String())
}

func isDurableSubject(subject string) bool {
	switch subject {
	case protocol.SubjectTaskSubmit, protocol.SubjectTaskResult:
		return true
	}
	return strings.HasPrefix(subject, "task.")
}

func durableName(subject, queue string) string {
	name := sanitizeDurable(subject)
	if name == "" {
		return ""
	}
	if q := sanitizeDurable(queue); q != "" {
		return "dur_" + q + "__" + name
	}
	return "dur_" + name
}

func sanitizeDurable(s string) string {
	s = strings.ReplaceAll(s, ".", "_")
	s = strings.ReplaceAll(s, "*", "STAR")
	s = strings.ReplaceAll(s, ">", "GT")
	return strings.TrimSpace(s)
}

func computeMsgID(subject string, packet *protocol.Packet) string {
	if packet == nil {
		return ""
	}
	switch {
	case packet.TaskRequest != nil:
		req := packet.TaskRequest
		if override := strings.TrimSpace(req.Labels[LabelBusMsgID]); override != "" {
			return "taskreq:" + subject + ":" + override
		}
		if id := strings.TrimSpace(req.DispatchID); id != "" {
			// a retry reuses the request labels; keep attempts distinct for dedupe
			return "taskreq:" + id + "#" + strconv.Itoa(req.Attempt)
		}
	case packet.TaskResult != nil:
		res := packet.TaskResult
		if id := strings.TrimSpace(res.DispatchID); id != "" {
			return subject + ":" + id + "#" + strconv.Itoa(res.Attempt)
		}
	}
	return ""
}
