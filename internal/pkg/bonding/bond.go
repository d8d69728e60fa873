// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package bonding implements the bond control plane: slave lifecycle, link monitoring and failover.
package bonding

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/siderolabs/gen/channel"
	"github.com/siderolabs/gen/maps"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go4.org/netipx"

	"github.com/siderolabs/bondd/pkg/logging"
	"github.com/siderolabs/bondd/pkg/machinery/nethelpers"
)

// repeatThreshold is the number of repeated monitor warnings dropped between two logged ones.
const repeatThreshold = 20

// repeatKey is the log field which identifies a repeated monitor warning.
const repeatKey = "check"

// Config is the bond configuration.
type Config struct {
	Name string
	Mode nethelpers.BondMode

	MIIMon     time.Duration
	UpDelay    time.Duration
	DownDelay  time.Duration
	UseCarrier bool

	ARPInterval time.Duration
	ARPTargets  []netip.Addr
	ARPValidate nethelpers.ARPValidate

	Primary         string
	PrimaryReselect nethelpers.PrimaryReselect
	FailOverMAC     nethelpers.FailOverMAC

	NumPeerNotif    int
	PeerNotifyDelay time.Duration

	MinLinks int

	Addresses []netip.Prefix
	VLANs     []VLAN
}

// VLAN is a VLAN stacked on top of the bond.
type VLAN struct {
	ID        uint16
	Addresses []netip.Prefix
}

// debounce converts up/down delays into MII monitor ticks, rounding down.
func (cfg *Config) debounce() Debounce {
	if cfg.MIIMon <= 0 {
		return Debounce{}
	}

	return Debounce{
		UpDelay:   int(cfg.UpDelay / cfg.MIIMon),
		DownDelay: int(cfg.DownDelay / cfg.MIIMon),
	}
}

// Options configure a Bond.
type Options struct {
	Logger *zap.Logger
	Clock  clock.Clock
	Policy Policy
	// Events receives bond events, it must be drained by the caller.
	Events chan<- Event

	admin  *sync.Mutex
	claims *claimSet
}

// Option is a functional option for New.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithClock sets the clock, used for tests.
func WithClock(clk clock.Clock) Option {
	return func(o *Options) {
		o.Clock = clk
	}
}

// WithPolicy sets the mode policy hooks.
func WithPolicy(policy Policy) Option {
	return func(o *Options) {
		o.Policy = policy
	}
}

// WithEvents sets the event channel.
func WithEvents(ch chan<- Event) Option {
	return func(o *Options) {
		o.Events = ch
	}
}

func withShared(admin *sync.Mutex, claims *claimSet) Option {
	return func(o *Options) {
		o.admin = admin
		o.claims = claims
	}
}

// Bond is a logical link aggregating several slave devices.
//
// Locking order: the administrative lock, then mu, then curMu.
// Monitors inspect holding mu for reading and commit holding mu for writing;
// device calls with side effects are deferred until mu is released, while the administrative lock is still held.
type Bond struct {
	cfg    Config
	mode   modeBehavior
	master Master
	policy Policy
	logger *zap.Logger
	clock  clock.Clock
	events chan<- Event

	admin  *sync.Mutex
	claims *claimSet

	mu sync.RWMutex

	slaves       Registry
	linkType     nethelpers.LinkType
	features     Features
	addresses    []netip.Prefix
	vlans        map[uint16][]netip.Prefix
	localIPs     *netipx.IPSet
	promisc      int
	allmulti     int
	mcList       []net.HardwareAddr
	carrier      bool
	primaryName  string
	forcePrimary bool

	curMu sync.RWMutex

	active   SlaveHandle
	primary  SlaveHandle
	arpProbe SlaveHandle

	lifeMu   sync.Mutex
	ctx      context.Context //nolint:containedctx
	cancel   context.CancelFunc
	runners  []*runner
	notifier *peerNotifier
}

// New creates a bond on top of the master device.
func New(cfg Config, master Master, opts ...Option) (*Bond, error) {
	options := Options{
		Policy: NopPolicy{},
	}

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	if options.admin == nil {
		options.admin = &sync.Mutex{}
	}

	if options.claims == nil {
		options.claims = newClaimSet()
	}

	logger := options.Logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return logging.NewRepeatSuppressor(core, repeatKey, repeatThreshold)
	})).With(zap.String("bond", cfg.Name))

	b := &Bond{
		cfg:         cfg,
		mode:        modeFor(cfg.Mode),
		master:      master,
		policy:      options.Policy,
		logger:      logger,
		clock:       options.Clock,
		events:      options.Events,
		admin:       options.admin,
		claims:      options.claims,
		addresses:   slices.Clone(cfg.Addresses),
		vlans:       map[uint16][]netip.Prefix{},
		features:    bondFeatureMask,
		primaryName: cfg.Primary,
	}

	if !b.mode.UsesPrimary() {
		b.primaryName = ""
	}

	for _, vlan := range cfg.VLANs {
		b.vlans[vlan.ID] = slices.Clone(vlan.Addresses)
	}

	if err := b.rebuildLocalIPs(); err != nil {
		return nil, err
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.notifier = newPeerNotifier(b)

	return b, nil
}

// Name of the bond.
func (b *Bond) Name() string {
	return b.cfg.Name
}

// Mode of the bond.
func (b *Bond) Mode() nethelpers.BondMode {
	return b.cfg.Mode
}

// Active returns the active slave handle, zero if none.
func (b *Bond) Active() SlaveHandle {
	b.curMu.RLock()
	defer b.curMu.RUnlock()

	return b.active
}

// Primary returns the primary slave handle, zero if none.
func (b *Bond) Primary() SlaveHandle {
	b.curMu.RLock()
	defer b.curMu.RUnlock()

	return b.primary
}

// Carrier returns the bond carrier state.
func (b *Bond) Carrier() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.carrier
}

// Slaves returns handles of all slaves in ring order.
func (b *Bond) Slaves() []SlaveHandle {
	b.mu.RLock()
	defer b.mu.RUnlock()

	handles := make([]SlaveHandle, 0, b.slaves.Len())

	for s := range b.slaves.All() {
		handles = append(handles, s.handle)
	}

	return handles
}

// Lookup finds a slave by device name.
func (b *Bond) Lookup(name string) (SlaveHandle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if s := b.slaves.Find(func(s *Slave) bool { return s.Name() == name }); s != nil {
		return s.handle, true
	}

	return SlaveHandle{}, false
}

// vlanOf returns the VLAN ID if ifname is one of the VLAN links on top of the bond.
func (b *Bond) vlanOf(ifname string) (uint16, bool) {
	_, id, ok := nethelpers.ParseVLANLinkName(ifname)
	if !ok || nethelpers.VLANLinkName(b.cfg.Name, id) != ifname {
		return 0, false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok = b.vlans[id]

	return id, ok
}

// txn collects device calls and events of a locked update.
type txn struct {
	ops    []func()
	events []Event
}

func (tx *txn) do(op func()) {
	tx.ops = append(tx.ops, op)
}

func (tx *txn) emit(ev Event) {
	tx.events = append(tx.events, ev)
}

// update runs fn with the bond lock held for writing.
//
// Device calls queued by fn run after the bond lock is released.
// Callers which queue device calls with side effects must hold the administrative lock.
func (b *Bond) update(fn func(tx *txn) error) error {
	tx := &txn{}

	b.mu.Lock()

	err := fn(tx)
	if err == nil {
		b.checkInvariants()
	}

	b.mu.Unlock()

	b.finish(tx)

	return err
}

func (b *Bond) finish(tx *txn) {
	for _, op := range tx.ops {
		op()
	}

	if b.events == nil {
		return
	}

	for _, ev := range tx.events {
		ev.Bond = b.cfg.Name

		if !channel.SendWithContext(b.ctx, b.events, ev) {
			return
		}
	}
}

// checkInvariants panics if the bond state is inconsistent.
func (b *Bond) checkInvariants() {
	if !b.active.IsZero() && !b.slaves.Contains(b.active) {
		panic(fmt.Sprintf("bond %s: active slave %s is not attached", b.cfg.Name, b.active))
	}

	if !b.mode.UsesPrimary() {
		return
	}

	active := 0

	for s := range b.slaves.All() {
		if s.role == RoleActive {
			active++
		}
	}

	if active > 1 {
		panic(fmt.Sprintf("bond %s: %d slaves are active", b.cfg.Name, active))
	}
}

func (b *Bond) setActive(h SlaveHandle) {
	b.curMu.Lock()
	b.active = h
	b.curMu.Unlock()
}

func (b *Bond) setPrimary(h SlaveHandle) {
	b.curMu.Lock()
	b.primary = h
	b.curMu.Unlock()
}

func (b *Bond) setARPProbe(h SlaveHandle) {
	b.curMu.Lock()
	b.arpProbe = h
	b.curMu.Unlock()
}

// updateCarrier recomputes the bond carrier out of the slave link states.
func (b *Bond) updateCarrier(tx *txn) {
	up := 0

	for s := range b.slaves.All() {
		if s.link == LinkUp {
			up++
		}
	}

	carrier := b.mode.Carrier(up, b.cfg.MinLinks)
	if carrier == b.carrier {
		return
	}

	b.carrier = carrier

	if carrier {
		b.logger.Info("bond carrier up", zap.Int("up_slaves", up))
	} else {
		b.logger.Warn("bond carrier down", zap.Int("up_slaves", up))
	}

	tx.do(func() {
		if err := b.master.SetCarrier(carrier); err != nil {
			b.logger.Warn("failed to set bond carrier", zap.Bool("carrier", carrier), zap.Error(err))
		}
	})

	tx.emit(Event{Type: EventCarrier, Carrier: carrier})
}

// updateFeatures reduces slave features to the common set.
func (b *Bond) updateFeatures() {
	features := bondFeatureMask

	var challenged bool

	for s := range b.slaves.All() {
		f := s.dev.Features()

		features &= f

		if f&FeatureVLANChallenged != 0 {
			challenged = true
		}
	}

	features &= bondFeatureMask

	if challenged {
		features |= FeatureVLANChallenged
	}

	b.features = features
}

// Features returns the features advertised by the bond.
func (b *Bond) Features() Features {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.features
}

func (b *Bond) rebuildLocalIPs() error {
	var builder netipx.IPSetBuilder

	for _, prefix := range b.addresses {
		builder.Add(prefix.Addr())
	}

	for _, prefixes := range b.vlans {
		for _, prefix := range prefixes {
			builder.Add(prefix.Addr())
		}
	}

	set, err := builder.IPSet()
	if err != nil {
		return fmt.Errorf("error building local address set: %w", err)
	}

	b.localIPs = set

	return nil
}

func (b *Bond) vlanIDs() []uint16 {
	ids := maps.Keys(b.vlans)
	slices.Sort(ids)

	return ids
}

// repeated returns a logger for warnings which repeat every monitor tick.
func (b *Bond) repeated(s *Slave, check string) *zap.Logger {
	return s.logger.With(zap.String(repeatKey, s.Name()+"/"+check))
}

// cleared resets the repeat counter of a check once the condition is gone.
func (b *Bond) cleared(s *Slave, check string) {
	logging.ResetRepeats(b.logger.Core(), s.Name()+"/"+check)
}

func isZeroMAC(addr net.HardwareAddr) bool {
	for _, octet := range addr {
		if octet != 0 {
			return false
		}
	}

	return true
}
