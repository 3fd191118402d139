// Package csis implements the Coordinated Set Identification Service: a
// process-wide singleton (§3.7) combining SIRK-based set identity, a timed
// set-lock state machine, and a bonded-peer pending-notification ring that
// survives disconnects. Of the five services this engine implements, CSIS
// is the only one with genuinely stateful per-peer bookkeeping and a
// software timer, so unlike VCS/VOCS/AICS it is not built from the shared
// counter-checked control-point pattern (§4.1) — the Lock characteristic is
// a plain guarded write, not a change-counter transaction.
package csis

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/doismellburning/ble-audio-gatt/internal/bonds"
	"github.com/doismellburning/ble-audio-gatt/internal/crypto"
	"github.com/doismellburning/ble-audio-gatt/internal/gatt"
	"github.com/doismellburning/ble-audio-gatt/internal/metrics"
)

// UUID is the Coordinated Set Identification Service UUID.
const UUID gatt.UUID = "1846"

const (
	charSIRK gatt.UUID = "2B84"
	charSize gatt.UUID = "2B85"
	charLock gatt.UUID = "2B86"
	charRank gatt.UUID = "2B87"
)

// Lock is the Set Member Lock characteristic value (§3.4).
type Lock byte

const (
	Released Lock = 0x01
	Locked   Lock = 0x02
)

// LockTimeout is the fixed countdown armed on every successful Lock write
// (§4.5 "Set-lock state machine").
const LockTimeout = 60 * time.Second

// masterKey is the compile-time constant shared by every device in the
// coordinated set, used verbatim as the AES-ECB key in SIRK derivation
// (§4.5 "SIRK derivation": "a compile-time constant shared by all devices
// in the set"). A real deployment would provision this per product, not
// hardcode it; this engine has no provisioning channel of its own.
var masterKey = [16]byte{
	0x71, 0x77, 0x5d, 0x52, 0x2e, 0x6b, 0x19, 0x3f,
	0x84, 0x0a, 0xc4, 0x4e, 0x0c, 0xfc, 0x29, 0x86,
}

// pendEntry is one slot of the bonded-peer pending-notification ring
// (§3.4 pend_notify[], §4.5 "Pending-notification fan-out").
type pendEntry struct {
	addr    gatt.Addr
	pending bool
	active  bool
	age     int
}

// Config configures an Engine at Init time.
type Config struct {
	SetSize byte
	Rank    byte
	Seed    []byte // padded/truncated to 16 bytes for SIRK derivation

	// MaxPendingSlots bounds the bonded-peer ring (§3.4). Zero defaults to 4.
	MaxPendingSlots int
	// EvictOldest selects the ring's full-table policy: true evicts the
	// smallest-age entry to make room, false silently drops the new bond
	// (§4.5 "a compile-time flag disables eviction").
	EvictOldest bool

	RPATimeout time.Duration // drives advertising restart cadence (§4.5 "Advertising")

	OnLockChange func(lock Lock, holder gatt.Addr)
}

// Engine is the process-wide CSIS singleton (§3.7).
type Engine struct {
	surface gatt.Surface
	crypto  crypto.Provider
	bonds   bonds.Store
	log     *log.Logger
	metrics *metrics.Registry

	attrSIRK gatt.AttrHandle
	attrSize gatt.AttrHandle
	attrLock gatt.AttrHandle
	attrRank gatt.AttrHandle

	initd bool
	cfg   Config
	sirk  [16]byte

	lock       Lock
	lockHolder gatt.Handle
	lockTimer  *time.Timer
	afterFunc  func(d time.Duration, f func()) *time.Timer

	pending []pendEntry
	nextAge int

	adv       Advertiser
	advPSRI   [6]byte
	advActive bool
}

// New constructs an uninitialised Engine.
func New(surface gatt.Surface, cp crypto.Provider, bondStore bonds.Store, logger *log.Logger, m *metrics.Registry) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		surface:   surface,
		crypto:    cp,
		bonds:     bondStore,
		log:       logger.With("service", "csis"),
		metrics:   m,
		lock:      Released,
		afterFunc: time.AfterFunc,
	}
}

// Init derives the SIRK from cfg.Seed and prepares the pending ring. Must
// be called exactly once.
func (e *Engine) Init(cfg Config) error {
	if e.initd {
		return gatt.NewAPIError(gatt.APIAlreadyInitialised)
	}
	if cfg.MaxPendingSlots <= 0 {
		cfg.MaxPendingSlots = 4
	}
	e.cfg = cfg
	e.sirk = e.crypto.EncryptAESECB(masterKey, pad16(cfg.Seed))
	e.pending = make([]pendEntry, 0, cfg.MaxPendingSlots)
	e.initd = true
	return nil
}

func pad16(seed []byte) [16]byte {
	var out [16]byte
	n := copy(out[:], seed)
	_ = n
	return out
}

// RegisterAttrs installs the CSIS attribute table.
func (e *Engine) RegisterAttrs(ctx context.Context) error {
	if !e.initd {
		return gatt.NewAPIError(gatt.APINotPermitted)
	}
	decl := gatt.ServiceDecl{
		UUID: UUID,
		Characteristics: []gatt.CharacteristicDecl{
			{UUID: charSIRK, Properties: gatt.PropRead, Encrypted: true, OnRead: e.readSIRK},
			{UUID: charSize, Properties: gatt.PropRead, Encrypted: true, OnRead: e.readSize},
			{UUID: charLock, Properties: gatt.PropRead | gatt.PropNotify | gatt.PropWrite, Encrypted: true, OnRead: e.readLock, OnWrite: e.writeLock},
			{UUID: charRank, Properties: gatt.PropRead, Encrypted: true, OnRead: e.readRank},
		},
	}
	start, err := e.surface.RegisterService(ctx, decl)
	if err != nil {
		return err
	}
	e.attrSIRK = start + 1
	e.attrSize = start + 2
	e.attrLock = start + 3
	e.attrRank = start + 4
	return nil
}

func (e *Engine) attrs() []gatt.Attr {
	return []gatt.Attr{
		{Handle: e.attrSIRK, UUID: charSIRK},
		{Handle: e.attrSize, UUID: charSize},
		{Handle: e.attrLock, UUID: charLock},
		{Handle: e.attrRank, UUID: charRank},
	}
}

func (e *Engine) readSIRK(gatt.Handle, int) ([]byte, error) { return e.sirk[:], nil }
func (e *Engine) readSize(gatt.Handle, int) ([]byte, error) { return []byte{e.cfg.SetSize}, nil }
func (e *Engine) readRank(gatt.Handle, int) ([]byte, error) { return []byte{e.cfg.Rank}, nil }
func (e *Engine) readLock(gatt.Handle, int) ([]byte, error) { return []byte{byte(e.lock)}, nil }

// LockState returns the current lock value and, when locked, its holder.
func (e *Engine) LockState() (lock Lock, holder gatt.Handle) { return e.lock, e.lockHolder }

func (e *Engine) writeLock(conn gatt.Handle, data []byte, offset int) error {
	if offset != 0 {
		return gatt.NewATTError(gatt.ATTInvalidOffset)
	}
	if len(data) != 1 {
		return gatt.NewATTError(gatt.ATTInvalidAttributeLength)
	}
	switch Lock(data[0]) {
	case Locked:
		return e.handleLockRequest(conn)
	case Released:
		return e.handleReleaseRequest(conn)
	default:
		e.observeResult("rejected")
		return errInvalidLockValue()
	}
}

// handleLockRequest implements §4.5 "Write of Lock Value": denied whether
// the requester already holds the lock (redundant) or a different peer
// does; only a currently-Released state may transition.
func (e *Engine) handleLockRequest(conn gatt.Handle) error {
	if e.lock == Locked {
		e.observeResult("rejected")
		return errLockDenied()
	}
	e.lock = Locked
	e.lockHolder = conn
	e.armTimer()
	e.observeResult("applied")
	e.metrics.SetLockHeld(true)
	e.log.Debug("set lock armed", "holder", conn, "expires_in", LockTimeout)
	e.notifyOthers(conn)
	e.markPendingAndDeliver(conn)
	e.fireLockChange(conn)
	return nil
}

// handleReleaseRequest implements §4.5 "Write of Release Value": only the
// current holder may release; releasing an already-released lock is a
// harmless success (idempotent, mirroring the VCS Mute/Unmute no-op rule).
func (e *Engine) handleReleaseRequest(conn gatt.Handle) error {
	if e.lock == Locked && conn != e.lockHolder {
		e.observeResult("rejected")
		return errLockReleaseDenied()
	}
	wasLocked := e.lock == Locked
	e.disarmTimer()
	e.lock = Released
	e.lockHolder = 0
	e.observeResult("applied")
	e.metrics.SetLockHeld(false)
	if wasLocked {
		e.notifyOthers(conn)
		e.markPendingAndDeliver(conn)
	}
	e.fireLockChange(conn)
	return nil
}

func (e *Engine) fireLockChange(conn gatt.Handle) {
	if e.cfg.OnLockChange == nil {
		return
	}
	addr, _ := e.surface.AddressOf(conn)
	e.cfg.OnLockChange(e.lock, addr)
}

func (e *Engine) armTimer() {
	e.disarmTimer()
	e.lockTimer = e.afterFunc(LockTimeout, e.onTimerExpire)
}

func (e *Engine) disarmTimer() {
	if e.lockTimer != nil {
		e.lockTimer.Stop()
		e.lockTimer = nil
	}
}

// onTimerExpire implements §4.5 "Timer expiry": a forced release,
// notifying everyone with no exclusion (unlike a client-driven release,
// which excludes the writer).
func (e *Engine) onTimerExpire() {
	e.lock = Released
	e.lockHolder = 0
	e.lockTimer = nil
	e.observeResult("timeout")
	e.metrics.SetLockHeld(false)
	e.log.Debug("set lock auto-released on timeout")
	e.notifyAll()
	e.markPendingAndDeliver(0)
	if e.cfg.OnLockChange != nil {
		e.cfg.OnLockChange(Released, "")
	}
}

// OnDisconnect implements §4.5 "Disconnect of a non-bonded lock-holder":
// a forced release so the set is never left stranded by a peer that
// cannot return later to release it itself.
func (e *Engine) OnDisconnect(conn gatt.Handle) {
	if e.lock != Locked || conn != e.lockHolder {
		return
	}
	addr, ok := e.surface.AddressOf(conn)
	if ok && e.bonds.IsBonded(addr) {
		return
	}
	e.disarmTimer()
	e.lock = Released
	e.lockHolder = 0
	e.metrics.SetLockHeld(false)
	e.log.Debug("set lock force-released on disconnect", "conn", conn)
	e.notifyAll()
	e.markPendingAndDeliver(0)
}

func (e *Engine) notifyOthers(except gatt.Handle) {
	e.surface.ForEachConnection(func(conn gatt.Handle) {
		if conn == except {
			return
		}
		e.surface.Notify(conn, charLock, e.attrs(), []byte{byte(e.lock)})
	})
}

func (e *Engine) notifyAll() {
	e.surface.ForEachConnection(func(conn gatt.Handle) {
		e.surface.Notify(conn, charLock, e.attrs(), []byte{byte(e.lock)})
	})
}

func (e *Engine) observeResult(result string) {
	e.metrics.ObserveWrite("csis", result)
}

// --- bonded-peer pending-notification ring (§4.5, §3.4) ---

// OnBondComplete implements §4.5 "When a new bonding completes": update an
// already-tracked peer's age, insert into a free slot, or — table full,
// eviction enabled — evict the smallest-age entry; eviction disabled drops
// the new bond from the notification list silently.
func (e *Engine) OnBondComplete(addr gatt.Addr) {
	for i := range e.pending {
		if e.pending[i].addr == addr {
			e.pending[i].age = e.nextAge
			e.pending[i].active = true
			e.nextAge++
			return
		}
	}
	if len(e.pending) < cap(e.pending) {
		e.pending = append(e.pending, pendEntry{addr: addr, active: true, age: e.nextAge})
		e.nextAge++
		return
	}
	if !e.cfg.EvictOldest {
		e.log.Debug("pending-notification ring full, bond dropped", "addr", addr)
		return
	}
	oldest := 0
	for i := range e.pending {
		if e.pending[i].age < e.pending[oldest].age {
			oldest = i
		}
	}
	e.pending[oldest] = pendEntry{addr: addr, active: true, age: e.nextAge}
	e.nextAge++
}

// markPendingAndDeliver implements §4.5 "Pending-notification fan-out":
// every active entry is marked pending, then immediate delivery is
// attempted to every currently-connected peer, clearing pending on those
// reached. The writer named by except has its pending mark cleared without
// a notification; except 0 excludes nobody.
func (e *Engine) markPendingAndDeliver(except gatt.Handle) {
	for i := range e.pending {
		if e.pending[i].active {
			e.pending[i].pending = true
		}
	}
	e.surface.ForEachConnection(func(conn gatt.Handle) {
		addr, ok := e.surface.AddressOf(conn)
		if !ok {
			return
		}
		for i := range e.pending {
			if e.pending[i].addr == addr && e.pending[i].pending {
				if conn != except {
					e.surface.Notify(conn, charLock, e.attrs(), []byte{byte(e.lock)})
				}
				e.pending[i].pending = false
			}
		}
	})
}

// OnSecurityChanged implements §4.5's later half: a pending entry still
// owed a notification at the next successful security-changed event for
// that peer is delivered then, and only then, cleared.
func (e *Engine) OnSecurityChanged(conn gatt.Handle) {
	addr, ok := e.surface.AddressOf(conn)
	if !ok {
		return
	}
	for i := range e.pending {
		if e.pending[i].addr == addr && e.pending[i].pending {
			e.surface.Notify(conn, charLock, e.attrs(), []byte{byte(e.lock)})
			e.pending[i].pending = false
		}
	}
}
