package aics

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/ble-audio-gatt/internal/gatt"
	"github.com/doismellburning/ble-audio-gatt/internal/retryfsm"
)

// Handles are the value-attribute handles a VcsClient discovers for one
// included AICS instance (§4.4).
type Handles struct {
	State       gatt.AttrHandle
	GainSetting gatt.AttrHandle
	InputType   gatt.AttrHandle
	InputStatus gatt.AttrHandle
	Control     gatt.AttrHandle
	Desc        gatt.AttrHandle
}

// Client is the peer-side AICS subscription and write-with-retry state
// machine (§4.4, §2 "AicsClient").
type Client struct {
	surface gatt.Surface
	log     *log.Logger
	conn    gatt.Handle
	handles Handles

	cached  State
	fsm     retryfsm.FSM
	writeOp byte
	operand []byte

	OnStateChange  func(err error, state State)
	OnStatusChange func(status Status)
	OnDescChange   func(desc string)
}

func NewClient(surface gatt.Surface, conn gatt.Handle, h Handles, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{surface: surface, conn: conn, handles: h, log: logger.With("service", "aics-client")}
}

// SubscribeCCC enables notifications on State, InputStatus, and Desc. The
// caller owns the single per-connection notification handler; see the
// note on vocs.Client.SubscribeCCC.
func (c *Client) SubscribeCCC(ctx context.Context) error {
	for _, attr := range []gatt.AttrHandle{c.handles.State, c.handles.InputStatus, c.handles.Desc} {
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

func (c *Client) cccOf(valueHandle gatt.AttrHandle) gatt.AttrHandle { return valueHandle + 2 }

func (c *Client) SetGain(ctx context.Context, gain int8, done func(err error)) error {
	return c.begin(ctx, OpSetGain, []byte{byte(gain)}, done)
}

func (c *Client) Mute(ctx context.Context, done func(err error)) error {
	return c.begin(ctx, OpMute, nil, done)
}

func (c *Client) Unmute(ctx context.Context, done func(err error)) error {
	return c.begin(ctx, OpUnmute, nil, done)
}

func (c *Client) SetManual(ctx context.Context, done func(err error)) error {
	return c.begin(ctx, OpSetManual, nil, done)
}

func (c *Client) SetAuto(ctx context.Context, done func(err error)) error {
	return c.begin(ctx, OpSetAuto, nil, done)
}

func (c *Client) begin(ctx context.Context, op byte, operand []byte, done func(err error)) error {
	c.writeOp = op
	c.operand = operand
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
	buf := append([]byte{c.writeOp, c.cached.ChangeCounter}, c.operand...)
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
// belongs to it, returning true when handled (§4.4).
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
	case c.handles.InputStatus:
		if len(value) != 1 {
			return true
		}
		if c.OnStatusChange != nil {
			c.OnStatusChange(Status(value[0]))
		}
		return true
	case c.handles.Desc:
		if len(value) > MaxDescLen {
			return true
		}
		if c.OnDescChange != nil {
			c.OnDescChange(string(value))
		}
		return true
	default:
		return false
	}
}

func (c *Client) Cached() State { return c.cached }
func (c *Client) Busy() bool    { return c.fsm.Busy() }
func (c *Client) Detach()       { c.fsm.Reset() }
