// Package fakesurface is an in-memory gatt.Surface, playing the role the
// teacher's kissnet.go/kissserial.go TCP and serial transports play for the
// AGWPE protocol core: a concrete, swappable transport sitting behind an
// abstract protocol engine. It backs the unit tests and the demonstration
// commands; it is not a Bluetooth stack.
package fakesurface

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/ble-audio-gatt/internal/gatt"
)

type attrEntry struct {
	decl    gatt.CharacteristicDecl
	svcUUID gatt.UUID
	subs    map[gatt.Handle]bool
}

// Surface is a single-process, single-goroutine gatt.Surface. It makes no
// attempt at concurrency control beyond a mutex guarding its bookkeeping
// maps, matching §5's single-task assumption: callers are expected to
// drive it from one goroutine, same as the real host event loop.
type Surface struct {
	mu   sync.Mutex
	log  *log.Logger
	next gatt.AttrHandle

	attrs   map[gatt.AttrHandle]*attrEntry
	conns   map[gatt.Handle]gatt.Addr
	bonds   map[gatt.Addr]bool
	notify  map[gatt.Handle]func(attr gatt.AttrHandle, value []byte)
	svcs    []svcRange
}

type svcRange struct {
	uuid     gatt.UUID
	start    gatt.AttrHandle
	end      gatt.AttrHandle
	includes []gatt.AttrHandle // included services' start handles
}

// New returns an empty Surface. A nil logger falls back to log.Default().
func New(logger *log.Logger) *Surface {
	if logger == nil {
		logger = log.Default()
	}
	return &Surface{
		log:   logger,
		next:  1,
		attrs:  make(map[gatt.AttrHandle]*attrEntry),
		conns:  make(map[gatt.Handle]gatt.Addr),
		bonds:  make(map[gatt.Addr]bool),
		notify: make(map[gatt.Handle]func(attr gatt.AttrHandle, value []byte)),
	}
}

func (s *Surface) SetNotifyHandler(conn gatt.Handle, fn func(attr gatt.AttrHandle, value []byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.notify, conn)
		return
	}
	s.notify[conn] = fn
}

// Connect registers a connection handle/address pair, as if the link layer
// had just completed a connection.
func (s *Surface) Connect(conn gatt.Handle, addr gatt.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = addr
}

// Disconnect removes a connection and its subscriptions.
func (s *Surface) Disconnect(conn gatt.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
	for _, e := range s.attrs {
		delete(e.subs, conn)
	}
}

// Bond marks addr bonded, as if pairing_complete(conn, true) had fired.
func (s *Surface) Bond(addr gatt.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bonds[addr] = true
}

func (s *Surface) RegisterService(_ context.Context, decl gatt.ServiceDecl) (gatt.AttrHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.next
	s.next++ // service declaration attribute
	for i := range decl.Characteristics {
		ch := decl.Characteristics[i]
		handle := s.next
		s.next++
		s.attrs[handle] = &attrEntry{decl: ch, svcUUID: decl.UUID, subs: make(map[gatt.Handle]bool)}
		decl.Characteristics[i].UserData = handle
	}
	// decl.Includes is taken as given: the caller (e.g. a VCS server)
	// already back-patched each IncludeDecl.ServiceAttr to the included
	// service's own registered start handle (§4.2) before calling us.
	end := s.next - 1
	includes := make([]gatt.AttrHandle, 0, len(decl.Includes))
	for _, inc := range decl.Includes {
		includes = append(includes, inc.ServiceAttr)
	}
	s.svcs = append(s.svcs, svcRange{uuid: decl.UUID, start: start, end: end, includes: includes})
	s.log.Debug("service registered", "uuid", decl.UUID, "start_attr", start, "end_attr", end, "chars", len(decl.Characteristics))
	return start, nil
}

// AttrHandleFor returns the value-handle a RegisterService call assigned to
// one of its characteristics, looked up by UUID, for wiring discovery
// fixtures in tests.
func (s *Surface) AttrHandleFor(svc gatt.UUID, ch gatt.UUID) (gatt.AttrHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, e := range s.attrs {
		if e.svcUUID == svc && e.decl.UUID == ch {
			return h, true
		}
	}
	return 0, false
}

func (s *Surface) Notify(conn gatt.Handle, uuid gatt.UUID, attrsList []gatt.Attr, value []byte) {
	s.mu.Lock()

	var target gatt.AttrHandle
	for _, a := range attrsList {
		if a.UUID == uuid {
			target = a.Handle
			break
		}
	}
	e, ok := s.attrs[target]
	if !ok {
		s.mu.Unlock()
		return
	}

	var recipients []gatt.Handle
	if conn != 0 {
		if e.subs[conn] {
			recipients = []gatt.Handle{conn}
		}
	} else {
		for c := range e.subs {
			recipients = append(recipients, c)
		}
	}

	handlers := make([]func(gatt.AttrHandle, []byte), 0, len(recipients))
	for _, c := range recipients {
		if h, ok := s.notify[c]; ok {
			handlers = append(handlers, h)
		}
		s.log.Debug("notify", "conn", c, "attr", target, "len", len(value))
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(target, value)
	}
}

func (s *Surface) Write(_ context.Context, p gatt.WriteParams, cb gatt.WriteFunc) {
	s.mu.Lock()
	e, ok := s.attrs[p.Attr]
	s.mu.Unlock()
	if !ok || e.decl.OnWrite == nil {
		if cb != nil {
			cb(gatt.NewATTError(gatt.ATTWriteRequestRejected))
		}
		return
	}
	err := e.decl.OnWrite(p.Conn, p.Data, p.Offset)
	if cb != nil {
		cb(err)
	}
}

func (s *Surface) WriteWithoutResponse(conn gatt.Handle, attr gatt.AttrHandle, data []byte) error {
	s.mu.Lock()
	e, ok := s.attrs[attr]
	s.mu.Unlock()
	if !ok || e.decl.OnWrite == nil {
		return gatt.NewATTError(gatt.ATTWriteRequestRejected)
	}
	return e.decl.OnWrite(conn, data, 0)
}

func (s *Surface) Read(_ context.Context, p gatt.ReadParams, cb gatt.ReadFunc) {
	s.mu.Lock()
	e, ok := s.attrs[p.Attr]
	s.mu.Unlock()
	if !ok || e.decl.OnRead == nil {
		if cb != nil {
			cb(nil, gatt.NewATTError(gatt.ATTUnlikely))
		}
		return
	}
	v, err := e.decl.OnRead(p.Conn, p.Offset)
	if cb != nil {
		cb(v, err)
	}
}

func (s *Surface) Subscribe(_ context.Context, p gatt.SubscribeParams, cb gatt.SubscribeFunc) {
	s.mu.Lock()
	e, ok := s.attrs[p.Attr]
	if ok {
		if p.Enabled {
			e.subs[p.Conn] = true
		} else {
			delete(e.subs, p.Conn)
		}
	}
	s.mu.Unlock()
	if cb != nil {
		if !ok {
			cb(gatt.NewATTError(gatt.ATTUnlikely))
			return
		}
		cb(nil)
	}
}

// Discover performs a crude linear scan of registered attributes. It is
// enough to drive the VcsClient discovery chain (§4.4) against services
// registered on this same Surface; it is not a general ATT discovery
// implementation.
func (s *Surface) Discover(_ context.Context, p gatt.DiscoverParams, cb gatt.DiscoverFunc) {
	s.mu.Lock()
	var results []gatt.DiscoverResult

	switch p.Kind {
	case gatt.DiscoverPrimaryService:
		for _, svc := range s.svcs {
			if p.UUID != "" && svc.uuid != p.UUID {
				continue
			}
			results = append(results, gatt.DiscoverResult{Attr: svc.start, EndAttr: svc.end, UUID: svc.uuid})
		}

	case gatt.DiscoverCharacteristic:
		for h, e := range s.attrs {
			if p.StartAttr != 0 && h < p.StartAttr {
				continue
			}
			if p.EndAttr != 0 && h > p.EndAttr {
				continue
			}
			if p.UUID != "" && e.decl.UUID != p.UUID {
				continue
			}
			results = append(results, gatt.DiscoverResult{
				Attr: h, ValueAttr: h, UUID: e.decl.UUID, Properties: e.decl.Properties,
			})
		}

	case gatt.DiscoverInclude:
		// Find the parent service whose range [StartAttr, EndAttr] was
		// requested, then resolve each of its includes to the included
		// service's own range. RegisterService never emits a dedicated
		// include-descriptor attribute in this fake; the included
		// service's start handle is what callers actually need.
		for _, parent := range s.svcs {
			if parent.start != p.StartAttr {
				continue
			}
			for _, incStart := range parent.includes {
				for _, inc := range s.svcs {
					if inc.start == incStart {
						results = append(results, gatt.DiscoverResult{Attr: inc.start, ValueAttr: inc.start, EndAttr: inc.end, UUID: inc.uuid})
					}
				}
			}
		}
	}

	s.mu.Unlock()
	if cb != nil {
		cb(results, nil)
	}
}

func (s *Surface) ForEachConnection(fn func(conn gatt.Handle)) {
	s.mu.Lock()
	conns := make([]gatt.Handle, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		fn(c)
	}
}

func (s *Surface) ForEachBond(fn func(addr gatt.Addr)) {
	s.mu.Lock()
	addrs := make([]gatt.Addr, 0, len(s.bonds))
	for a := range s.bonds {
		addrs = append(addrs, a)
	}
	s.mu.Unlock()
	for _, a := range addrs {
		fn(a)
	}
}

func (s *Surface) AddressOf(conn gatt.Handle) (gatt.Addr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.conns[conn]
	return a, ok
}

var _ gatt.Surface = (*Surface)(nil)
