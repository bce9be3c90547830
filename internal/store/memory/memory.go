// Package memory implements the domain stores in process memory. It backs
// the local run mode and the test suites; the postgres package is the
// durable implementation. Commit semantics mirror the durable substrate:
// every write carries an optimistic version and a unit of work either fully
// applies or fully rolls back.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/opengrove/marketd/internal/domain"
)

// Store holds all records behind a single mutex. Execute snapshots state
// before running the unit of work and restores the snapshot on error, so a
// failed unit leaves nothing behind.
type Store struct {
	mu sync.Mutex

	configs  map[common.Address]domain.MarketplaceConfig
	trades   map[common.Address]domain.TradeRecord
	closed   map[common.Address]bool // tombstones for closed trade records
	escrow   map[common.Address]domain.EscrowAccount
	custody  map[common.Address]domain.AssetCustody
	policies map[common.Address]domain.Policy
	receipts map[string]domain.SettlementReceipt
	// receiptOrder preserves insertion order for listing.
	receiptOrder []string
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		configs:  make(map[common.Address]domain.MarketplaceConfig),
		trades:   make(map[common.Address]domain.TradeRecord),
		closed:   make(map[common.Address]bool),
		escrow:   make(map[common.Address]domain.EscrowAccount),
		custody:  make(map[common.Address]domain.AssetCustody),
		policies: make(map[common.Address]domain.Policy),
		receipts: make(map[string]domain.SettlementReceipt),
	}
}

type snapshot struct {
	configs      map[common.Address]domain.MarketplaceConfig
	trades       map[common.Address]domain.TradeRecord
	closed       map[common.Address]bool
	escrow       map[common.Address]domain.EscrowAccount
	custody      map[common.Address]domain.AssetCustody
	policies     map[common.Address]domain.Policy
	receipts     map[string]domain.SettlementReceipt
	receiptOrder []string
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *Store) snapshot() snapshot {
	return snapshot{
		configs:      cloneMap(s.configs),
		trades:       cloneMap(s.trades),
		closed:       cloneMap(s.closed),
		escrow:       cloneMap(s.escrow),
		custody:      cloneMap(s.custody),
		policies:     cloneMap(s.policies),
		receipts:     cloneMap(s.receipts),
		receiptOrder: append([]string(nil), s.receiptOrder...),
	}
}

func (s *Store) restore(snap snapshot) {
	s.configs = snap.configs
	s.trades = snap.trades
	s.closed = snap.closed
	s.escrow = snap.escrow
	s.custody = snap.custody
	s.policies = snap.policies
	s.receipts = snap.receipts
	s.receiptOrder = snap.receiptOrder
}

func (s *Store) stores() domain.Stores {
	return domain.Stores{
		Config:   &configStore{s},
		Trades:   &tradeStore{s},
		Escrow:   &escrowStore{s},
		Custody:  &custodyStore{s},
		Policies: &policyStore{s},
		Receipts: &receiptStore{s},
	}
}

// Execute runs fn against transactional stores. All writes are applied
// atomically; on error the pre-execution state is restored.
func (s *Store) Execute(ctx context.Context, fn func(ctx context.Context, st domain.Stores) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(ctx, s.stores()); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// View runs fn against a consistent snapshot. Writes performed inside View
// are discarded.
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, st domain.Stores) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	defer s.restore(snap)
	return fn(ctx, s.stores())
}

// --- ConfigStore ---

type configStore struct{ p *Store }

func (cs *configStore) Create(_ context.Context, cfg domain.MarketplaceConfig) error {
	if _, ok := cs.p.configs[cfg.Address]; ok {
		return domain.ErrAlreadyExists
	}
	cfg.Version = 1
	cs.p.configs[cfg.Address] = cfg
	return nil
}

func (cs *configStore) Get(_ context.Context, addr common.Address) (domain.MarketplaceConfig, error) {
	cfg, ok := cs.p.configs[addr]
	if !ok {
		return domain.MarketplaceConfig{}, domain.ErrNotFound
	}
	return cfg, nil
}

func (cs *configStore) Update(_ context.Context, cfg domain.MarketplaceConfig) error {
	cur, ok := cs.p.configs[cfg.Address]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != cfg.Version {
		return domain.ErrRecordConflict
	}
	cfg.Version++
	cs.p.configs[cfg.Address] = cfg
	return nil
}

// --- TradeStore ---

type tradeStore struct{ p *Store }

func (ts *tradeStore) Open(_ context.Context, rec domain.TradeRecord) error {
	if _, ok := ts.p.trades[rec.Address]; ok {
		return domain.ErrAlreadyExists
	}
	// Reopening the exact same terms after a close is legitimate: the old
	// record was fully retired, clear its tombstone.
	delete(ts.p.closed, rec.Address)
	rec.Version = 1
	ts.p.trades[rec.Address] = rec
	return nil
}

func (ts *tradeStore) Get(_ context.Context, addr common.Address) (domain.TradeRecord, error) {
	rec, ok := ts.p.trades[addr]
	if ok {
		return rec, nil
	}
	if ts.p.closed[addr] {
		return domain.TradeRecord{}, domain.ErrEmptyTradeState
	}
	return domain.TradeRecord{}, domain.ErrTradeStateNotInitialized
}

func (ts *tradeStore) Close(_ context.Context, addr common.Address) error {
	if _, ok := ts.p.trades[addr]; !ok {
		if ts.p.closed[addr] {
			return domain.ErrEmptyTradeState
		}
		return domain.ErrTradeStateNotInitialized
	}
	delete(ts.p.trades, addr)
	ts.p.closed[addr] = true
	return nil
}

func (ts *tradeStore) ListByOwner(_ context.Context, marketplace, owner common.Address, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	var out []domain.TradeRecord
	for _, rec := range ts.p.trades {
		if rec.Marketplace == marketplace && rec.Owner == owner {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return paginate(out, opts), nil
}

func (ts *tradeStore) ListOpen(_ context.Context, marketplace common.Address, side domain.TradeSide, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	var out []domain.TradeRecord
	for _, rec := range ts.p.trades {
		if rec.Marketplace == marketplace && rec.Side == side {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return paginate(out, opts), nil
}

func sortRecords(recs []domain.TradeRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].Address.Hex() < recs[j].Address.Hex()
	})
}

func paginate(recs []domain.TradeRecord, opts domain.ListOpts) []domain.TradeRecord {
	if opts.Offset > 0 {
		if opts.Offset >= len(recs) {
			return nil
		}
		recs = recs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(recs) {
		recs = recs[:opts.Limit]
	}
	return recs
}

// --- EscrowStore ---

type escrowStore struct{ p *Store }

func (es *escrowStore) Get(_ context.Context, addr common.Address) (domain.EscrowAccount, error) {
	acct, ok := es.p.escrow[addr]
	if !ok {
		return domain.EscrowAccount{}, domain.ErrNotFound
	}
	return acct, nil
}

func (es *escrowStore) Create(_ context.Context, acct domain.EscrowAccount) error {
	if _, ok := es.p.escrow[acct.Address]; ok {
		return domain.ErrAlreadyExists
	}
	acct.Version = 1
	es.p.escrow[acct.Address] = acct
	return nil
}

func (es *escrowStore) Update(_ context.Context, acct domain.EscrowAccount) error {
	cur, ok := es.p.escrow[acct.Address]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != acct.Version {
		return domain.ErrRecordConflict
	}
	acct.Version++
	acct.UpdatedAt = time.Now().UTC()
	es.p.escrow[acct.Address] = acct
	return nil
}

// --- CustodyStore ---

type custodyStore struct{ p *Store }

func (cs *custodyStore) Get(_ context.Context, asset common.Address) (domain.AssetCustody, error) {
	c, ok := cs.p.custody[asset]
	if !ok {
		return domain.AssetCustody{}, domain.ErrNotFound
	}
	return c, nil
}

func (cs *custodyStore) Put(_ context.Context, c domain.AssetCustody) error {
	if _, ok := cs.p.custody[c.Asset]; ok {
		return domain.ErrAlreadyExists
	}
	c.Version = 1
	cs.p.custody[c.Asset] = c
	return nil
}

func (cs *custodyStore) Update(_ context.Context, c domain.AssetCustody) error {
	cur, ok := cs.p.custody[c.Asset]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != c.Version {
		return domain.ErrRecordConflict
	}
	c.Version++
	c.UpdatedAt = time.Now().UTC()
	cs.p.custody[c.Asset] = c
	return nil
}

// --- PolicyStore ---

type policyStore struct{ p *Store }

func (ps *policyStore) Get(_ context.Context, addr common.Address) (domain.Policy, error) {
	pol, ok := ps.p.policies[addr]
	if !ok {
		return domain.Policy{}, domain.ErrNotFound
	}
	return pol, nil
}

func (ps *policyStore) Put(_ context.Context, pol domain.Policy) error {
	ps.p.policies[pol.Address] = pol
	return nil
}

// --- ReceiptStore ---

type receiptStore struct{ p *Store }

func (rs *receiptStore) Insert(_ context.Context, r domain.SettlementReceipt) error {
	if _, ok := rs.p.receipts[r.ID]; ok {
		return domain.ErrAlreadyExists
	}
	rs.p.receipts[r.ID] = r
	rs.p.receiptOrder = append(rs.p.receiptOrder, r.ID)
	return nil
}

func (rs *receiptStore) Get(_ context.Context, id string) (domain.SettlementReceipt, error) {
	r, ok := rs.p.receipts[id]
	if !ok {
		return domain.SettlementReceipt{}, domain.ErrNotFound
	}
	return r, nil
}

func (rs *receiptStore) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.SettlementReceipt, error) {
	var out []domain.SettlementReceipt
	for _, id := range rs.p.receiptOrder {
		r := rs.p.receipts[id]
		if r.SettledAt.Before(before) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SettledAt.Before(out[j].SettledAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (rs *receiptStore) ListByMarketplace(_ context.Context, marketplace common.Address, opts domain.ListOpts) ([]domain.SettlementReceipt, error) {
	var out []domain.SettlementReceipt
	for _, id := range rs.p.receiptOrder {
		r := rs.p.receipts[id]
		if r.Marketplace == marketplace {
			out = append(out, r)
		}
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}
