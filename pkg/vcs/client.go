package vcs

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/ble-audio-gatt/internal/gatt"
	"github.com/doismellburning/ble-audio-gatt/internal/retryfsm"
	"github.com/doismellburning/ble-audio-gatt/pkg/aics"
	"github.com/doismellburning/ble-audio-gatt/pkg/vocs"
)

// Characteristic UUIDs for the included VOCS/AICS services, needed here to
// sort discovered characteristics into the right Handles struct (§4.4).
// These mirror the wire constants vocs.go/aics.go declare for their own
// attribute registration; duplicated rather than exported since they are
// protocol constants, not implementation details a caller should reach
// through the sub-package for.
const (
	vocsCharState    gatt.UUID = "2B80"
	vocsCharLocation gatt.UUID = "2B81"
	vocsCharControl  gatt.UUID = "2B82"
	vocsCharDesc     gatt.UUID = "2B83"

	aicsCharState       gatt.UUID = "2B77"
	aicsCharGainSetting gatt.UUID = "2B78"
	aicsCharInputType   gatt.UUID = "2B79"
	aicsCharInputStatus gatt.UUID = "2B7A"
	aicsCharControl     gatt.UUID = "2B7B"
	aicsCharDesc        gatt.UUID = "2B7C"
)

// DiscoverCallback delivers the outcome of Client.Discover: an error, plus
// how many AICS and VOCS includes were found, in that order (§4.4 "Final
// callback delivers (err, aics_count, vocs_count)").
type DiscoverCallback func(err error, aicsCount, vocsCount int)

// Client drives nested discovery of a peer's VCS and its included VOCS and
// AICS sub-services, then owns the VCS control-point write-retry FSM
// (§4.4, §2 "VcsClient"). It is the single registrar of the connection's
// notification handler; VocsClient and AicsClient only ever answer
// Dispatch calls this Client fans out to them.
type Client struct {
	surface gatt.Surface
	log     *log.Logger
	conn    gatt.Handle

	attrState   gatt.AttrHandle
	attrControl gatt.AttrHandle
	attrFlags   gatt.AttrHandle

	cached  State
	fsm     retryfsm.FSM
	writeOp byte
	operand []byte

	vocsClients []*vocs.Client
	aicsClients []*aics.Client

	OnStateChange func(err error, state State)
	OnFlagsChange func(flags byte)
}

// NewClient builds an unbound VcsClient for conn. Call Discover before
// anything else.
func NewClient(surface gatt.Surface, conn gatt.Handle, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{surface: surface, conn: conn, log: logger.With("service", "vcs-client")}
}

// Discover runs the nested discovery chain of §4.4: primary service,
// characteristics, includes, then each include's own characteristics. Each
// phase's completion drives the next; there is no concurrency here,
// matching the cooperative single-task model of §5.
func (c *Client) Discover(ctx context.Context, done DiscoverCallback) {
	c.surface.Discover(ctx, gatt.DiscoverParams{Conn: c.conn, Kind: gatt.DiscoverPrimaryService, UUID: UUID}, func(svcs []gatt.DiscoverResult, err error) {
		if err != nil || len(svcs) == 0 {
			done(notConnectedOr(err), 0, 0)
			return
		}
		svc := svcs[0]
		c.discoverOwnCharacteristics(ctx, svc, done)
	})
}

func (c *Client) discoverOwnCharacteristics(ctx context.Context, svc gatt.DiscoverResult, done DiscoverCallback) {
	c.surface.Discover(ctx, gatt.DiscoverParams{Conn: c.conn, Kind: gatt.DiscoverCharacteristic, StartAttr: svc.Attr, EndAttr: svc.EndAttr}, func(chars []gatt.DiscoverResult, err error) {
		if err != nil {
			done(err, 0, 0)
			return
		}
		for _, ch := range chars {
			switch ch.UUID {
			case charState:
				c.attrState = ch.ValueAttr
			case charControl:
				c.attrControl = ch.ValueAttr
			case charFlags:
				c.attrFlags = ch.ValueAttr
			}
		}
		c.discoverIncludes(ctx, svc, done)
	})
}

func (c *Client) discoverIncludes(ctx context.Context, svc gatt.DiscoverResult, done DiscoverCallback) {
	c.surface.Discover(ctx, gatt.DiscoverParams{Conn: c.conn, Kind: gatt.DiscoverInclude, StartAttr: svc.Attr, EndAttr: svc.EndAttr}, func(includes []gatt.DiscoverResult, err error) {
		if err != nil {
			done(err, 0, 0)
			return
		}
		c.discoverIncludeChars(ctx, includes, 0, done)
	})
}

// discoverIncludeChars walks includes one at a time, issuing each
// include's own characteristic discovery before moving to the next — the
// chain driven phase-by-phase that §4.4 describes.
func (c *Client) discoverIncludeChars(ctx context.Context, includes []gatt.DiscoverResult, i int, done DiscoverCallback) {
	if i >= len(includes) {
		c.installNotifyHandler()
		done(nil, len(c.aicsClients), len(c.vocsClients))
		return
	}
	inc := includes[i]
	c.surface.Discover(ctx, gatt.DiscoverParams{Conn: c.conn, Kind: gatt.DiscoverCharacteristic, StartAttr: inc.Attr, EndAttr: inc.EndAttr}, func(chars []gatt.DiscoverResult, err error) {
		if err != nil {
			done(err, len(c.aicsClients), len(c.vocsClients))
			return
		}
		switch inc.UUID {
		case vocs.UUID:
			c.vocsClients = append(c.vocsClients, vocs.NewClient(c.surface, c.conn, vocsHandlesFrom(chars), c.log))
		case aics.UUID:
			c.aicsClients = append(c.aicsClients, aics.NewClient(c.surface, c.conn, aicsHandlesFrom(chars), c.log))
		}
		c.discoverIncludeChars(ctx, includes, i+1, done)
	})
}

func vocsHandlesFrom(chars []gatt.DiscoverResult) vocs.Handles {
	var h vocs.Handles
	for _, ch := range chars {
		switch ch.UUID {
		case vocsCharState:
			h.State = ch.ValueAttr
		case vocsCharLocation:
			h.Location = ch.ValueAttr
		case vocsCharControl:
			h.Control = ch.ValueAttr
		case vocsCharDesc:
			h.Desc = ch.ValueAttr
		}
	}
	return h
}

func aicsHandlesFrom(chars []gatt.DiscoverResult) aics.Handles {
	var h aics.Handles
	for _, ch := range chars {
		switch ch.UUID {
		case aicsCharState:
			h.State = ch.ValueAttr
		case aicsCharGainSetting:
			h.GainSetting = ch.ValueAttr
		case aicsCharInputType:
			h.InputType = ch.ValueAttr
		case aicsCharInputStatus:
			h.InputStatus = ch.ValueAttr
		case aicsCharControl:
			h.Control = ch.ValueAttr
		case aicsCharDesc:
			h.Desc = ch.ValueAttr
		}
	}
	return h
}

// VocsClients returns the clients created for each discovered VOCS
// include, in discovery order.
func (c *Client) VocsClients() []*vocs.Client { return c.vocsClients }

// AicsClients returns the clients created for each discovered AICS
// include, in discovery order.
func (c *Client) AicsClients() []*aics.Client { return c.aicsClients }

// SubscribeAll enables notifications on the discovered characteristics
// that notify: the VCS State and Flags characteristics, plus those each
// included VOCS and AICS client subscribes to through SubscribeCCC.
func (c *Client) SubscribeAll(ctx context.Context) error {
	for _, attr := range []gatt.AttrHandle{c.attrState, c.attrFlags} {
		if attr == 0 {
			continue
		}
		var subErr error
		c.surface.Subscribe(ctx, gatt.SubscribeParams{Conn: c.conn, Attr: c.cccOf(attr), Enabled: true}, func(err error) { subErr = err })
		if subErr != nil {
			return subErr
		}
	}
	for _, vc := range c.vocsClients {
		if err := vc.SubscribeCCC(ctx); err != nil {
			return err
		}
	}
	for _, ac := range c.aicsClients {
		if err := ac.SubscribeCCC(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) cccOf(valueHandle gatt.AttrHandle) gatt.AttrHandle { return valueHandle + 2 }

// installNotifyHandler registers the single per-connection notification
// dispatcher and fans each arrival out to whichever client (this one, a
// VocsClient, or an AicsClient) owns the attribute it arrived on (§4.4).
func (c *Client) installNotifyHandler() {
	c.surface.SetNotifyHandler(c.conn, func(attr gatt.AttrHandle, value []byte) {
		if c.dispatch(attr, value) {
			return
		}
		for _, vc := range c.vocsClients {
			if vc.Dispatch(attr, value) {
				return
			}
		}
		for _, ac := range c.aicsClients {
			if ac.Dispatch(attr, value) {
				return
			}
		}
	})
}

func (c *Client) dispatch(attr gatt.AttrHandle, value []byte) bool {
	switch attr {
	case c.attrState:
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
	case c.attrFlags:
		if len(value) != 1 {
			return true
		}
		c.cached.Flags = value[0]
		if c.OnFlagsChange != nil {
			c.OnFlagsChange(value[0])
		}
		return true
	default:
		return false
	}
}

// --- write-retry FSM (§4.4) ---

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
	c.surface.Write(ctx, gatt.WriteParams{Conn: c.conn, Attr: c.attrControl, Data: buf}, cb)
}

func (c *Client) rereadCounter(ctx context.Context, cb func(byte, error)) {
	c.surface.Read(ctx, gatt.ReadParams{Conn: c.conn, Attr: c.attrState}, func(data []byte, err error) {
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

func (c *Client) RelVolDown(ctx context.Context, done func(error)) error {
	return c.begin(ctx, OpRelVolDown, nil, done)
}
func (c *Client) RelVolUp(ctx context.Context, done func(error)) error {
	return c.begin(ctx, OpRelVolUp, nil, done)
}
func (c *Client) UnmuteRelVolDown(ctx context.Context, done func(error)) error {
	return c.begin(ctx, OpUnmuteRelVolDown, nil, done)
}
func (c *Client) UnmuteRelVolUp(ctx context.Context, done func(error)) error {
	return c.begin(ctx, OpUnmuteRelVolUp, nil, done)
}
func (c *Client) SetAbsoluteVolume(ctx context.Context, volume byte, done func(error)) error {
	return c.begin(ctx, OpSetAbsVol, []byte{volume}, done)
}
func (c *Client) Unmute(ctx context.Context, done func(error)) error {
	return c.begin(ctx, OpUnmute, nil, done)
}
func (c *Client) Mute(ctx context.Context, done func(error)) error {
	return c.begin(ctx, OpMute, nil, done)
}

func (c *Client) Cached() State { return c.cached }
func (c *Client) Busy() bool    { return c.fsm.Busy() }

// Detach clears in-flight transaction state across every owned client on
// disconnect (§5).
func (c *Client) Detach() {
	c.fsm.Reset()
	for _, vc := range c.vocsClients {
		vc.Detach()
	}
	for _, ac := range c.aicsClients {
		ac.Detach()
	}
}

func notConnectedOr(err error) error {
	if err != nil {
		return err
	}
	return gatt.NewAPIError(gatt.APINotConnected)
}
