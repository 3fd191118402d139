package csis

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/ble-audio-gatt/internal/gatt"
)

// Handles are the value-attribute handles a Client discovers for one
// peer's CSIS instance.
type Handles struct {
	SIRK gatt.AttrHandle
	Size gatt.AttrHandle
	Lock gatt.AttrHandle
	Rank gatt.AttrHandle
}

// Client is the peer-side CSIS discovery, read, and lock-write state
// machine. Unlike VcsClient/VocsClient/AicsClient, lock writes are a
// single fire-and-forget ATT write with no retry sub-FSM: the Lock
// characteristic carries no change counter to race against (§4.5).
type Client struct {
	surface gatt.Surface
	log     *log.Logger
	conn    gatt.Handle
	handles Handles

	sirk [16]byte
	size byte
	rank byte
	lock Lock

	OnLockChange func(lock Lock)
}

func NewClient(surface gatt.Surface, conn gatt.Handle, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{surface: surface, conn: conn, log: logger.With("service", "csis-client")}
}

// Discover runs primary_discover → characteristic_discover against conn,
// records each characteristic's value handle, and self-installs the
// connection's notification dispatcher (mirroring vcs.Client.Discover's
// installNotifyHandler step) so Dispatch actually receives Lock
// notifications without the caller having to know to wire it up (§4.5
// "Notification handler").
func (c *Client) Discover(ctx context.Context, done func(err error)) {
	c.surface.Discover(ctx, gatt.DiscoverParams{Conn: c.conn, Kind: gatt.DiscoverPrimaryService, UUID: UUID}, func(svcs []gatt.DiscoverResult, err error) {
		if err != nil || len(svcs) == 0 {
			if err == nil {
				err = gatt.NewAPIError(gatt.APINotConnected)
			}
			done(err)
			return
		}
		svc := svcs[0]
		c.surface.Discover(ctx, gatt.DiscoverParams{Conn: c.conn, Kind: gatt.DiscoverCharacteristic, StartAttr: svc.Attr, EndAttr: svc.EndAttr}, func(chars []gatt.DiscoverResult, err error) {
			if err != nil {
				done(err)
				return
			}
			for _, ch := range chars {
				switch ch.UUID {
				case charSIRK:
					c.handles.SIRK = ch.ValueAttr
				case charSize:
					c.handles.Size = ch.ValueAttr
				case charLock:
					c.handles.Lock = ch.ValueAttr
				case charRank:
					c.handles.Rank = ch.ValueAttr
				}
			}
			c.installNotifyHandler()
			done(nil)
		})
	})
}

// installNotifyHandler registers this client as the connection's
// notification dispatcher, the same role vcs.Client plays for VCS plus its
// includes (pkg/vcs/client.go's installNotifyHandler).
func (c *Client) installNotifyHandler() {
	c.surface.SetNotifyHandler(c.conn, func(attr gatt.AttrHandle, value []byte) {
		c.Dispatch(attr, value)
	})
}

// SubscribeCCC enables notifications on the Lock characteristic, the only
// notifying CSIS characteristic (§4.5).
func (c *Client) SubscribeCCC(ctx context.Context, done func(err error)) {
	if c.handles.Lock == 0 {
		done(gatt.NewAPIError(gatt.APINotConnected))
		return
	}
	c.surface.Subscribe(ctx, gatt.SubscribeParams{Conn: c.conn, Attr: c.handles.Lock + 2, Enabled: true}, done)
}

// ReadAll reads SIRK, Size, Lock, and Rank, populating the client's cache.
func (c *Client) ReadAll(ctx context.Context, done func(err error)) {
	c.surface.Read(ctx, gatt.ReadParams{Conn: c.conn, Attr: c.handles.SIRK}, func(data []byte, err error) {
		if err != nil {
			done(err)
			return
		}
		if len(data) != 16 {
			done(fmt.Errorf("csis: bad SIRK length %d", len(data)))
			return
		}
		copy(c.sirk[:], data)
		c.readSize(ctx, done)
	})
}

func (c *Client) readSize(ctx context.Context, done func(err error)) {
	c.surface.Read(ctx, gatt.ReadParams{Conn: c.conn, Attr: c.handles.Size}, func(data []byte, err error) {
		if err != nil {
			done(err)
			return
		}
		if len(data) != 1 {
			done(fmt.Errorf("csis: bad size length %d", len(data)))
			return
		}
		c.size = data[0]
		c.readRank(ctx, done)
	})
}

func (c *Client) readRank(ctx context.Context, done func(err error)) {
	c.surface.Read(ctx, gatt.ReadParams{Conn: c.conn, Attr: c.handles.Rank}, func(data []byte, err error) {
		if err != nil {
			done(err)
			return
		}
		if len(data) != 1 {
			done(fmt.Errorf("csis: bad rank length %d", len(data)))
			return
		}
		c.rank = data[0]
		done(nil)
	})
}

// RequestLock writes the Lock Value opcode. Any service error (Lock
// Denied, Invalid Lock Value) surfaces verbatim, as §4.5 has no retry
// path for this characteristic.
func (c *Client) RequestLock(ctx context.Context, done func(err error)) {
	c.surface.Write(ctx, gatt.WriteParams{Conn: c.conn, Attr: c.handles.Lock, Data: []byte{byte(Locked)}}, done)
}

// RequestRelease writes the Release Value opcode.
func (c *Client) RequestRelease(ctx context.Context, done func(err error)) {
	c.surface.Write(ctx, gatt.WriteParams{Conn: c.conn, Attr: c.handles.Lock, Data: []byte{byte(Released)}}, done)
}

// Dispatch delivers an incoming Lock notification, returning true if attr
// belonged to this client.
func (c *Client) Dispatch(attr gatt.AttrHandle, value []byte) bool {
	if attr != c.handles.Lock {
		return false
	}
	if len(value) != 1 {
		return true
	}
	c.lock = Lock(value[0])
	if c.OnLockChange != nil {
		c.OnLockChange(c.lock)
	}
	return true
}

func (c *Client) SIRK() [16]byte { return c.sirk }
func (c *Client) SetSize() byte  { return c.size }
func (c *Client) Rank() byte     { return c.rank }
func (c *Client) Lock() Lock     { return c.lock }
