// ABOUTME: Event and Subscriber types shared by the bus and its consumers
// ABOUTME: Events are immutable values: a log line, a connect with address, or a disconnect

package events

import "time"

// Kind indicates the type of an event.
type Kind int

const (
	KindLog Kind = iota
	KindConnected
	KindDisconnected
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindLog:
		return "log"
	case KindConnected:
		return "connected"
	case KindDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "log":
		return KindLog, true
	case "connected":
		return KindConnected, true
	case "disconnected":
		return KindDisconnected, true
	default:
		return 0, false
	}
}

// Event is a single lifecycle notification. Line is set for KindLog and
// Address for KindConnected.
type Event struct {
	Kind    Kind
	Line    string
	Address string
	At      time.Time
}

// Log creates a log event.
func Log(line string) Event {
	return Event{Kind: KindLog, Line: line, At: time.Now().UTC()}
}

// Connected creates a connect event carrying the assigned address.
func Connected(address string) Event {
	return Event{Kind: KindConnected, Address: address, At: time.Now().UTC()}
}

// Disconnected creates a disconnect event.
func Disconnected() Event {
	return Event{Kind: KindDisconnected, At: time.Now().UTC()}
}

// Subscriber is the observer contract for anything that wants to follow the
// agent: a CLI, a history recorder, a health reporter, a UI.
// Callbacks for one subscriber are never invoked concurrently.
type Subscriber interface {
	OnLog(line string)
	OnConnect(address string)
	OnDisconnect()
}

// Receiver may be implemented by a Subscriber that wants the whole Event,
// timestamp included. When present it is called instead of the On* methods.
type Receiver interface {
	Receive(e Event)
}

// Dispatch hands e to s.
func Dispatch(s Subscriber, e Event) {
	if r, ok := s.(Receiver); ok {
		r.Receive(e)
		return
	}
	switch e.Kind {
	case KindLog:
		s.OnLog(e.Line)
	case KindConnected:
		s.OnConnect(e.Address)
	case KindDisconnected:
		s.OnDisconnect()
	}
}

// Funcs adapts optional closures to a Subscriber. Nil fields are skipped.
type Funcs struct {
	Log        func(line string)
	Connect    func(address string)
	Disconnect func()
}

func (f Funcs) OnLog(line string) {
	if f.Log != nil {
		f.Log(line)
	}
}

func (f Funcs) OnConnect(address string) {
	if f.Connect != nil {
		f.Connect(address)
	}
}

func (f Funcs) OnDisconnect() {
	if f.Disconnect != nil {
		f.Disconnect()
	}
}
