// Package gatt defines the narrow surface this engine consumes from a host
// GATT stack. Attribute registration, ATT/L2CAP transport, notification
// delivery, and subscription tracking live on the other side of this
// interface; nothing in pkg/vcs, pkg/vocs, pkg/aics, pkg/csis, or pkg/ascs
// talks to a real controller.
package gatt

import "context"

// Addr is an LE device address, e.g. "E1:B2:3A:4C:5D:6E/random".
type Addr string

// UUID is a 16- or 128-bit GATT UUID rendered as its canonical string form.
type UUID string

// Handle is an opaque per-connection identifier assigned by the host stack.
// Zero is never a valid handle.
type Handle uint32

// AttrHandle is an ATT attribute handle within a GATT database.
type AttrHandle uint16

// Attr describes one registered attribute: its handle and the UUID used to
// look it up inside a service's attribute table.
type Attr struct {
	Handle AttrHandle
	UUID   UUID
}

// WriteParams is the payload of an incoming ATT write.
type WriteParams struct {
	Conn   Handle
	Attr   AttrHandle
	Data   []byte
	Offset int
	// WithoutResponse is true for ATT Write Command (no status returned).
	WithoutResponse bool
}

// ReadParams is the payload of an incoming ATT read.
type ReadParams struct {
	Conn   Handle
	Attr   AttrHandle
	Offset int
}

// SubscribeParams requests or cancels notifications on an attribute.
type SubscribeParams struct {
	Conn    Handle
	Attr    AttrHandle
	Enabled bool
}

// DiscoverKind selects what a Discover call enumerates.
type DiscoverKind int

const (
	DiscoverPrimaryService DiscoverKind = iota
	DiscoverCharacteristic
	DiscoverInclude
	DiscoverDescriptor
)

// DiscoverParams drives one phase of GATT discovery.
type DiscoverParams struct {
	Conn      Handle
	Kind      DiscoverKind
	UUID      UUID // optional filter
	StartAttr AttrHandle
	EndAttr   AttrHandle
}

// DiscoverResult is one entry returned by a Discover completion.
type DiscoverResult struct {
	Attr       AttrHandle
	EndAttr    AttrHandle // end of a primary service's handle range
	ValueAttr  AttrHandle // characteristic/include value handle, when applicable
	UUID       UUID
	Properties byte
}

// WriteFunc, ReadFunc, SubscribeFunc, and DiscoverFunc are completion
// callbacks. err is nil on success; on failure it is typically an *ATTError
// for protocol-level rejections, or a transport error for anything lower.
type (
	WriteFunc     func(err error)
	ReadFunc      func(data []byte, err error)
	SubscribeFunc func(err error)
	DiscoverFunc  func(results []DiscoverResult, err error)
)

// Surface is the host GATT stack as seen by this engine. All operations are
// asynchronous: they return immediately and deliver their outcome through
// the supplied callback on a later turn of the host's single event loop,
// matching the cooperative single-task model of §5.
type Surface interface {
	// RegisterService installs an attribute table rooted at decl and
	// returns the first attribute handle actually assigned.
	RegisterService(ctx context.Context, decl ServiceDecl) (startAttr AttrHandle, err error)

	// Notify fires a notification for the attribute matching uuid within
	// attrs, addressed to conn (or broadcast to every subscriber when conn
	// is zero).
	Notify(conn Handle, uuid UUID, attrs []Attr, value []byte)

	Write(ctx context.Context, p WriteParams, cb WriteFunc)
	WriteWithoutResponse(conn Handle, attr AttrHandle, data []byte) error
	Read(ctx context.Context, p ReadParams, cb ReadFunc)
	Subscribe(ctx context.Context, p SubscribeParams, cb SubscribeFunc)
	Discover(ctx context.Context, p DiscoverParams, cb DiscoverFunc)

	ForEachConnection(fn func(conn Handle))
	ForEachBond(fn func(addr Addr))

	// SetNotifyHandler installs the callback invoked whenever conn
	// receives a notification or indication, keyed by the value attribute
	// it arrived on. Clients use this to dispatch incoming state
	// (§4.4 "Notification handler"); passing a nil fn clears it.
	SetNotifyHandler(conn Handle, fn func(attr AttrHandle, value []byte))

	// AddressOf resolves a connection handle to an LE address; ok is false
	// once the connection has dropped.
	AddressOf(conn Handle) (addr Addr, ok bool)
}

// ServiceDecl is a host-agnostic attribute table: one primary service, its
// characteristics (value + descriptors), and any includes. Field layout
// mirrors what bt_*_svc_decl_get builds in the teacher's source BLE stack.
type ServiceDecl struct {
	UUID            UUID
	Characteristics []CharacteristicDecl
	Includes        []IncludeDecl
}

type CharacteristicDecl struct {
	UUID       UUID
	Properties byte // bitmask: read/write/notify/write-without-response
	Encrypted  bool

	// OnRead and OnWrite are invoked by the host stack when an ATT
	// request targets this characteristic's value attribute. A nil
	// OnWrite on a writable characteristic, or nil OnRead on a readable
	// one, is a registration bug in the owning server.
	OnRead  func(conn Handle, offset int) (value []byte, err error)
	OnWrite func(conn Handle, data []byte, offset int) error

	// UserData lets the owning server stash a pointer back to the Go
	// struct this characteristic belongs to; the host stack treats it
	// opaquely and passes it back unchanged. Used for include back-patch
	// bookkeeping (§4.2).
	UserData any
}

type IncludeDecl struct {
	// ServiceAttr is back-patched once the included service has been
	// initialised; it starts zero.
	ServiceAttr AttrHandle
}

// Characteristic property bits, ATT/GATT standard values.
const (
	PropRead            byte = 1 << 1
	PropWriteNoResponse byte = 1 << 2
	PropWrite           byte = 1 << 3
	PropNotify          byte = 1 << 4
)
