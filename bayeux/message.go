package bayeux

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"
	"time"
)

// Reserved channel names.
const (
	MetaPrefix    = "/meta/"
	ServicePrefix = "/service/"

	MetaHandshake   = "/meta/handshake"
	MetaConnect     = "/meta/connect"
	MetaSubscribe   = "/meta/subscribe"
	MetaUnsubscribe = "/meta/unsubscribe"
	MetaDisconnect  = "/meta/disconnect"
)

// Advice reconnect values.
const (
	ReconnectRetry     = "retry"
	ReconnectHandshake = "handshake"
	ReconnectNone      = "none"
)

const (
	// ProtocolVersion is the Bayeux version advertised in handshake replies.
	ProtocolVersion = "1.0"

	// ConnectionTypeLongPolling names the only connection type served here.
	ConnectionTypeLongPolling = "long-polling"
)

var (
	// ErrFrozen is the panic value raised when a frozen message is mutated.
	ErrFrozen = errors.New("bayeux: message is frozen")
	// ErrMalformed is returned when an inbound batch cannot be decoded.
	ErrMalformed = errors.New("bayeux: malformed message batch")
)

// Advice tells a client how and when to reconnect. Interval and Timeout are
// milliseconds on the wire; nil means the field is absent.
type Advice struct {
	Reconnect string `json:"reconnect,omitempty"`
	Interval  *int64 `json:"interval,omitempty"`
	Timeout   *int64 `json:"timeout,omitempty"`
}

// NewAdvice builds an advice carrying all three fields.
func NewAdvice(reconnect string, interval, timeout time.Duration) *Advice {
	i, t := interval.Milliseconds(), timeout.Milliseconds()
	return &Advice{Reconnect: reconnect, Interval: &i, Timeout: &t}
}

// TimeoutDuration reports the advised timeout, if present.
func (a *Advice) TimeoutDuration() (time.Duration, bool) {
	if a == nil || a.Timeout == nil {
		return 0, false
	}
	return time.Duration(*a.Timeout) * time.Millisecond, true
}

// IntervalDuration reports the advised interval, if present.
func (a *Advice) IntervalDuration() (time.Duration, bool) {
	if a == nil || a.Interval == nil {
		return 0, false
	}
	return time.Duration(*a.Interval) * time.Millisecond, true
}

func (a *Advice) copy() *Advice {
	if a == nil {
		return nil
	}
	c := &Advice{Reconnect: a.Reconnect}
	if a.Interval != nil {
		v := *a.Interval
		c.Interval = &v
	}
	if a.Timeout != nil {
		v := *a.Timeout
		c.Timeout = &v
	}
	return c
}

// Message is a single Bayeux message. Fields must not be assigned directly
// once the message has been frozen.
type Message struct {
	Channel                  string          `json:"channel"`
	ClientID                 string          `json:"clientId,omitempty"`
	ID                       string          `json:"id,omitempty"`
	Data                     json.RawMessage `json:"data,omitempty"`
	Advice                   *Advice         `json:"advice,omitempty"`
	Successful               *bool           `json:"successful,omitempty"`
	Error                    string          `json:"error,omitempty"`
	Subscription             string          `json:"subscription,omitempty"`
	Version                  string          `json:"version,omitempty"`
	SupportedConnectionTypes []string        `json:"supportedConnectionTypes,omitempty"`
	ConnectionType           string          `json:"connectionType,omitempty"`
	Ext                      map[string]any  `json:"ext,omitempty"`

	lazy   bool
	frozen atomic.Bool
}

// NewMessage builds a broadcast message with data marshaled to JSON.
func NewMessage(channel string, data any) (*Message, error) {
	m := &Message{Channel: channel}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal data for %s: %w", channel, err)
		}
		m.Data = b
	}
	return m, nil
}

// NewReply builds the reply skeleton for req: same channel and id.
func NewReply(req *Message) *Message {
	return &Message{Channel: req.Channel, ID: req.ID}
}

// Meta reports whether the message travels on a /meta/ channel.
func (m *Message) Meta() bool { return ChannelID(m.Channel).IsMeta() }

// Lazy reports whether delivery of the message may be deferred.
func (m *Message) Lazy() bool { return m.lazy }

// Frozen reports whether Freeze has been called.
func (m *Message) Frozen() bool { return m.frozen.Load() }

// Freeze marks the message immutable. It is safe to call from several
// goroutines delivering the same message.
func (m *Message) Freeze() { m.frozen.Store(true) }

// IsSuccessful reports whether the successful field is present and true.
func (m *Message) IsSuccessful() bool { return m.Successful != nil && *m.Successful }

func (m *Message) mustMutable() {
	if m.frozen.Load() {
		panic(ErrFrozen)
	}
}

// SetLazy marks the message as lazily delivered.
func (m *Message) SetLazy(lazy bool) {
	m.mustMutable()
	m.lazy = lazy
}

// SetClientID sets the clientId field.
func (m *Message) SetClientID(id string) {
	m.mustMutable()
	m.ClientID = id
}

// SetSuccessful sets the successful field.
func (m *Message) SetSuccessful(ok bool) {
	m.mustMutable()
	m.Successful = &ok
}

// SetError marks the message unsuccessful with the given "code::text" error.
func (m *Message) SetError(e string) {
	m.mustMutable()
	ok := false
	m.Successful = &ok
	m.Error = e
}

// AdviceFor returns the message advice, creating it when absent.
func (m *Message) AdviceFor() *Advice {
	m.mustMutable()
	if m.Advice == nil {
		m.Advice = &Advice{}
	}
	return m.Advice
}

// SetAdvice replaces the advice.
func (m *Message) SetAdvice(a *Advice) {
	m.mustMutable()
	m.Advice = a
}

// Copy returns a mutable copy of m. Data is shared since it is never mutated
// in place.
func (m *Message) Copy() *Message {
	c := &Message{
		Channel:                  m.Channel,
		ClientID:                 m.ClientID,
		ID:                       m.ID,
		Data:                     m.Data,
		Advice:                   m.Advice.copy(),
		Error:                    m.Error,
		Subscription:             m.Subscription,
		Version:                  m.Version,
		SupportedConnectionTypes: slices.Clone(m.SupportedConnectionTypes),
		ConnectionType:           m.ConnectionType,
		Ext:                      maps.Clone(m.Ext),
		lazy:                     m.lazy,
	}
	if m.Successful != nil {
		v := *m.Successful
		c.Successful = &v
	}
	return c
}

// DecodeData unmarshals the data field into v.
func (m *Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("message on %s carries no data", m.Channel)
	}
	return json.Unmarshal(m.Data, v)
}

func (m *Message) String() string {
	return fmt.Sprintf("{channel:%s clientId:%s id:%s}", m.Channel, m.ClientID, m.ID)
}
