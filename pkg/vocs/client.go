package vocs

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/ble-audio-gatt/internal/gatt"
	"github.com/doismellburning/ble-audio-gatt/internal/retryfsm"
)

// Handles are the value-attribute handles a VcsClient discovers for one
// included VOCS instance (§4.4 discovery chain).
type Handles struct {
	State    gatt.AttrHandle
	Location gatt.AttrHandle
	Control  gatt.AttrHandle
	Desc     gatt.AttrHandle
}

// Client is the peer-side VOCS subscription and write-with-retry state
// machine (§4.4, §2 "VocsClient").
type Client struct {
	surface gatt.Surface
	log     *log.Logger
	conn    gatt.Handle
	handles Handles

	cached  State
	fsm     retryfsm.FSM
	writeOp byte
	operand int16

	OnStateChange    func(err error, state State)
	OnLocationChange func(location byte)
	OnDescChange     func(desc string)
}

// NewClient builds a VOCS client bound to one discovered instance.
func NewClient(surface gatt.Surface, conn gatt.Handle, h Handles, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{surface: surface, conn: conn, handles: h, log: logger.With("service", "vocs-client")}
}

// SubscribeCCC enables notifications on State, Location, and Desc by
// writing each characteristic's CCC descriptor. The caller (a VcsClient)
// owns the single per-connection notification handler and fans incoming
// notifications out to Dispatch; Client does not register one itself,
// since several sub-clients share one connection (§4.4).
func (c *Client) SubscribeCCC(ctx context.Context) error {
	for _, attr := range []gatt.AttrHandle{c.handles.State, c.handles.Location, c.handles.Desc} {
		if attr == 0 {
			continue
		}
		var subErr error
		c.surface.Subscribe(ctx, gatt.SubscribeParams{Conn: c.conn, Attr: c.cccOf(attr), Enabled: true}, func(err error) {
			subErr = err
		})
		if subErr != nil {
			return subErr
		}
	}
	return nil
}

// cccOf approximates the CCC descriptor handle as value-handle+2, a
// documented approximation (§4.4).
func (c *Client) cccOf(valueHandle gatt.AttrHandle) gatt.AttrHandle { return valueHandle + 2 }

// SetOffset drives the write-retry FSM for a SetOffset control-point write.
func (c *Client) SetOffset(ctx context.Context, offset int16, done func(err error)) error {
	c.writeOp = OpSetOffset
	c.operand = offset
	return c.fsm.Begin(retryfsm.Ops{
		Write:       func(cb func(error)) { c.issueWrite(ctx, cb) },
		ReadCounter: func(cb func(byte, error)) { c.rereadCounter(ctx, cb) },
		ApplyCounter: func(counter byte) {
			c.cached.ChangeCounter = counter
		},
		IsCounterMismatch: func(err error) bool {
			code, ok := gatt.CodeOf(err)
			return ok && code == ErrCodeInvalidChangeCounter
		},
	}, done)
}

func (c *Client) issueWrite(ctx context.Context, cb func(error)) {
	buf := make([]byte, 4)
	buf[0] = c.writeOp
	buf[1] = c.cached.ChangeCounter
	buf[2] = byte(uint16(c.operand))
	buf[3] = byte(uint16(c.operand) >> 8)
	c.surface.Write(ctx, gatt.WriteParams{Conn: c.conn, Attr: c.handles.Control, Data: buf}, cb)
}

func (c *Client) rereadCounter(ctx context.Context, cb func(byte, error)) {
	c.surface.Read(ctx, gatt.ReadParams{Conn: c.conn, Attr: c.handles.State}, func(data []byte, err error) {
		if err != nil {
			cb(0, err)
			return
		}
		st, derr := DecodeState(data)
		if derr != nil {
			cb(0, derr)
			return
		}
		c.cached = st
		cb(st.ChangeCounter, nil)
	})
}

// Dispatch delivers one incoming notification to this client if attr
// belongs to it, returning true when handled (§4.4 "Notification
// handler"). A length mismatch silently drops the update but keeps the
// subscription alive, per spec.
func (c *Client) Dispatch(attr gatt.AttrHandle, value []byte) bool {
	switch attr {
	case c.handles.State:
		st, err := DecodeState(value)
		if err != nil {
			c.log.Debug("dropped malformed state notification", "len", len(value))
			return true
		}
		c.cached = st
		if c.OnStateChange != nil {
			c.OnStateChange(nil, st)
		}
		return true
	case c.handles.Location:
		if len(value) != 1 {
			return true
		}
		c.cached.Location = value[0]
		if c.OnLocationChange != nil {
			c.OnLocationChange(value[0])
		}
		return true
	case c.handles.Desc:
		if len(value) > MaxDescLen {
			return true
		}
		c.cached.OutputDesc = string(value)
		if c.OnDescChange != nil {
			c.OnDescChange(string(value))
		}
		return true
	default:
		return false
	}
}

// Cached returns the client's last-known mirror of the server state.
func (c *Client) Cached() State { return c.cached }

// Busy reports whether a write transaction is in flight (§3.6).
func (c *Client) Busy() bool { return c.fsm.Busy() }

// Detach clears in-flight transaction state on disconnect (§5).
func (c *Client) Detach() { c.fsm.Reset() }
