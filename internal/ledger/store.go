package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"shopledger.org/internal/ids"
	"shopledger.org/internal/money"
)

// Observer is told about every state change the store commits. It runs on the
// store goroutine and must not call back into the store.
type Observer interface {
	LedgersLoaded(ledgers []Ledger)
	NoticeApplied(l Ledger, created bool)
	PaymentApplied(res PaymentResult)
}

// PaymentResult is what ApplyPayment reports back to the caller.
type PaymentResult struct {
	Ledger     Ledger     `json:"ledger"`
	Allocation Allocation `json:"allocation"`
}

// Option configures a Store.
type Option func(*Store)

// WithObserver registers an observer for committed changes.
func WithObserver(o Observer) Option {
	return func(s *Store) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithQueueSize sets the command queue depth.
func WithQueueSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

type identity struct {
	name, phone string
}

// journalEntry is a mutation committed while a bulk load was fetching. The
// load replays it on top of the fetched data before swapping.
type journalEntry struct {
	version uint64
	notice  *ReceiptNotice
	key     string // ledger the notice landed in
	payment *paymentCmd
}

type paymentCmd struct {
	ledgerID, receiptNumber string
	amount                  money.Amount
}

// state is owned exclusively by the Run goroutine.
type state struct {
	order  []string
	byKey  map[string]*Ledger
	byExt  map[int64]string    // external shopkeeper id -> key, survives reloads
	byName map[identity]string // (name, phone) -> key, first ledger wins
	loaded bool

	version   uint64              // bumped by every notice and payment
	loadSeq   uint64              // last sequence handed to a load
	committed uint64              // sequence of the load currently in place
	fetching  map[uint64]struct{} // loads between fetch start and swap
	journal   []journalEntry
}

func newState() *state {
	return &state{
		byKey:    make(map[string]*Ledger),
		byExt:    make(map[int64]string),
		byName:   make(map[identity]string),
		fetching: make(map[uint64]struct{}),
	}
}

// Store holds the live ledgers. Every mutation runs on a single goroutine
// started by Run, in the order commands were submitted.
type Store struct {
	cmds      chan *command
	done      chan struct{}
	queueSize int
	observers []Observer
	running   atomic.Bool
}

const (
	cmdPending int32 = iota
	cmdRunning
	cmdAbandoned
)

type command struct {
	fn       func(*state)
	status   atomic.Int32
	finished chan struct{}
}

// NewStore creates a store. Call Run before submitting commands.
func NewStore(opts ...Option) *Store {
	s := &Store{queueSize: 64, done: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	s.cmds = make(chan *command, s.queueSize)
	return s
}

// Run processes commands until ctx ends. Only the first call does anything.
func (s *Store) Run(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	st := newState()
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.cmds:
			if !cmd.status.CompareAndSwap(cmdPending, cmdRunning) {
				continue
			}
			cmd.fn(st)
			close(cmd.finished)
		}
	}
}

// do submits fn and waits for it to run. If ctx ends or the store stops
// before the command is picked up, fn never runs and the error is returned.
// Once picked up, fn always completes and do reports success.
func (s *Store) do(ctx context.Context, fn func(*state)) error {
	cmd := &command{fn: fn, finished: make(chan struct{})}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	var err error
	select {
	case <-cmd.finished:
		return nil
	case <-s.done:
		err = ErrStoreClosed
	case <-ctx.Done():
		err = ctx.Err()
	}
	if cmd.status.CompareAndSwap(cmdPending, cmdAbandoned) {
		return err
	}
	<-cmd.finished
	return nil
}

// Load fetches raw records from src and replaces the store contents in one
// step. On failure the previous ledgers are kept.
//
// Notices and payments committed while the fetch was running are replayed on
// top of the fetched data. When loads overlap, a load that started before the
// one already in place is dropped without error. A source that returns no
// shopkeepers at all leaves the current ledgers in place.
func (s *Store) Load(ctx context.Context, src Source) error {
	var seq, since uint64
	err := s.do(ctx, func(st *state) {
		st.loadSeq++
		seq, since = st.loadSeq, st.version
		st.fetching[seq] = struct{}{}
	})
	if err != nil {
		return err
	}
	if err := s.fetchAndSwap(ctx, src, seq, since); err != nil {
		// The swap did not run; release the journal for this load.
		_ = s.do(context.WithoutCancel(ctx), func(st *state) { st.endFetch(seq) })
		return err
	}
	return nil
}

func (s *Store) fetchAndSwap(ctx context.Context, src Source, seq, since uint64) error {
	shopkeepers, err := src.Shopkeepers(ctx)
	if err != nil {
		return fmt.Errorf("%w: shopkeepers: %v", ErrLoad, err)
	}
	receipts, err := src.Receipts(ctx)
	if err != nil {
		return fmt.Errorf("%w: receipts: %v", ErrLoad, err)
	}
	projected := ProjectAll(shopkeepers, receipts)

	return s.do(ctx, func(st *state) {
		defer st.endFetch(seq)
		if seq < st.committed {
			return
		}
		if len(projected) == 0 && st.loaded {
			st.committed = seq
			return
		}
		next := newState()
		next.loaded = true
		for k, v := range st.byExt {
			next.byExt[k] = v
		}
		for i := range projected {
			l := projected[i]
			key := ""
			if l.ExternalID != 0 {
				key = next.byExt[l.ExternalID]
			}
			if key == "" || next.byKey[key] != nil {
				key = ids.New()
				if _, seen := next.byExt[l.ExternalID]; l.ExternalID != 0 && !seen {
					next.byExt[l.ExternalID] = key
				}
			}
			l.ID = key
			next.insert(&l)
		}
		for _, e := range st.journal {
			if e.version <= since {
				continue
			}
			switch {
			case e.notice != nil:
				next.applyNotice(*e.notice, e.key)
			case e.payment != nil:
				next.applyPayment(*e.payment)
			}
		}
		next.version = st.version
		next.loadSeq = st.loadSeq
		next.committed = seq
		next.fetching = st.fetching
		next.journal = st.journal
		*st = *next
		snap := st.snapshot()
		for _, o := range s.observers {
			o.LedgersLoaded(snap)
		}
	})
}

// endFetch marks load seq finished and drops the journal once no load needs it.
func (st *state) endFetch(seq uint64) {
	delete(st.fetching, seq)
	if len(st.fetching) == 0 {
		st.journal = nil
	}
}

func (st *state) record(e journalEntry) {
	st.version++
	if len(st.fetching) == 0 {
		return
	}
	e.version = st.version
	st.journal = append(st.journal, e)
}

// applyNotice folds n into the ledger matching its (name, phone), preferring
// key when it is present, or creates a ledger under key (a fresh one when key
// is empty). A notice whose receipt number is already pending on the ledger
// changes nothing. It returns the ledger key and the created and changed flags.
func (st *state) applyNotice(n ReceiptNotice, key string) (string, bool, bool) {
	target := key
	if _, ok := st.byKey[target]; !ok {
		target = st.byName[identity{n.ShopkeeperName, n.ShopkeeperPhone}]
	}
	if l, ok := st.byKey[target]; ok {
		for _, e := range l.PendingReceipts {
			if e.ReceiptNumber == n.ReceiptNumber {
				return target, false, false
			}
		}
		if n.PendingAmount.IsPositive() {
			l.PendingReceipts = append(l.PendingReceipts, n.entry())
		}
		l.TotalPendingAmount = money.Add(l.TotalPendingAmount, n.PendingAmount)
		return target, false, true
	}

	l := &Ledger{
		ID:              key,
		Name:            n.ShopkeeperName,
		Phone:           n.ShopkeeperPhone,
		Balance:         money.Zero,
		TotalOrders:     1,
		Status:          StatusActive,
		PendingReceipts: []PendingReceiptEntry{},
	}
	if l.ID == "" {
		l.ID = ids.New()
	}
	if n.PendingAmount.IsPositive() {
		l.PendingReceipts = append(l.PendingReceipts, n.entry())
	}
	l.TotalPendingAmount = n.PendingAmount
	st.insert(l)
	return l.ID, true, true
}

func (st *state) applyPayment(p paymentCmd) (Allocation, bool) {
	cur, ok := st.byKey[p.ledgerID]
	if !ok {
		return Allocation{}, false
	}
	next, alloc := ApplyPayment(*cur, p.receiptNumber, p.amount)
	*cur = next
	return alloc, true
}

// OnReceiptCreated folds a receipt-created notice into the matching ledger,
// or starts a new ledger when no (name, phone) match exists.
//
// Merging into an existing ledger does not touch TotalOrders; only a newly
// synthesized ledger starts at one order. A notice for a receipt number the
// ledger already lists as pending is ignored, so the same receipt arriving
// from a bulk load and a notice is counted once.
func (s *Store) OnReceiptCreated(ctx context.Context, n ReceiptNotice) (Ledger, error) {
	n.PendingAmount = money.ClampNonNegative(n.PendingAmount)
	var out Ledger
	err := s.do(ctx, func(st *state) {
		key, created, changed := st.applyNotice(n, "")
		out = st.byKey[key].Clone()
		if !changed {
			return
		}
		notice := n
		st.record(journalEntry{notice: &notice, key: key})
		for _, o := range s.observers {
			o.NoticeApplied(out.Clone(), created)
		}
	})
	if err != nil {
		return Ledger{}, err
	}
	return out, nil
}

// ApplyPayment pays amount against one pending receipt of ledger ledgerID.
// An unknown receipt number is not an error; the result then reports the whole
// amount as unapplied and the ledger is unchanged.
func (s *Store) ApplyPayment(ctx context.Context, ledgerID, receiptNumber string, amount money.Amount) (PaymentResult, error) {
	if !amount.IsPositive() {
		return PaymentResult{}, ErrInvalidAmount
	}
	var (
		res      PaymentResult
		notFound bool
	)
	err := s.do(ctx, func(st *state) {
		p := paymentCmd{ledgerID: ledgerID, receiptNumber: receiptNumber, amount: amount}
		alloc, ok := st.applyPayment(p)
		if !ok {
			notFound = true
			return
		}
		if alloc.Matched {
			st.record(journalEntry{payment: &p})
		}
		res = PaymentResult{Ledger: st.byKey[ledgerID].Clone(), Allocation: alloc}
		for _, o := range s.observers {
			o.PaymentApplied(PaymentResult{Ledger: st.byKey[ledgerID].Clone(), Allocation: alloc})
		}
	})
	if err != nil {
		return PaymentResult{}, err
	}
	if notFound {
		return PaymentResult{}, ErrNotFound
	}
	return res, nil
}

// Consume applies notices from ch in arrival order until ch closes or ctx ends.
// A notice that cannot be applied because the store stopped ends consumption.
func (s *Store) Consume(ctx context.Context, ch <-chan ReceiptNotice) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-ch:
			if !ok {
				return nil
			}
			if _, err := s.OnReceiptCreated(ctx, n); err != nil {
				return err
			}
		}
	}
}

// Filter narrows Ledgers output. Zero value matches everything.
type Filter struct {
	// Query matches name or phone, case-insensitively.
	Query  string
	Status string
}

func (f Filter) match(l *Ledger) bool {
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Query)); q != "" {
		return strings.Contains(strings.ToLower(l.Name), q) || strings.Contains(strings.ToLower(l.Phone), q)
	}
	return true
}

// Ledgers returns copies of the ledgers matching f, in insertion order.
func (s *Store) Ledgers(ctx context.Context, f Filter) ([]Ledger, error) {
	var out []Ledger
	err := s.do(ctx, func(st *state) {
		out = make([]Ledger, 0, len(st.order))
		for _, key := range st.order {
			if l := st.byKey[key]; f.match(l) {
				out = append(out, l.Clone())
			}
		}
	})
	return out, err
}

// Ledger returns a copy of one ledger.
func (s *Store) Ledger(ctx context.Context, id string) (Ledger, error) {
	var (
		out Ledger
		ok  bool
	)
	err := s.do(ctx, func(st *state) {
		var l *Ledger
		if l, ok = st.byKey[id]; ok {
			out = l.Clone()
		}
	})
	if err != nil {
		return Ledger{}, err
	}
	if !ok {
		return Ledger{}, ErrNotFound
	}
	return out, nil
}

// Summary aggregates the whole store.
type Summary struct {
	Shopkeepers        int          `json:"shopkeepers"`
	Active             int          `json:"active"`
	WithPending        int          `json:"with_pending"`
	PendingReceipts    int          `json:"pending_receipts"`
	TotalPendingAmount money.Amount `json:"total_pending_amount"`
	TotalDue           money.Amount `json:"total_due"`
	TotalCredit        money.Amount `json:"total_credit"`
	Loaded             bool         `json:"loaded"`
}

// Summary computes store-wide totals.
func (s *Store) Summary(ctx context.Context) (Summary, error) {
	var sum Summary
	err := s.do(ctx, func(st *state) {
		sum.Loaded = st.loaded
		for _, key := range st.order {
			l := st.byKey[key]
			sum.Shopkeepers++
			if l.Status == StatusActive {
				sum.Active++
			}
			if len(l.PendingReceipts) > 0 {
				sum.WithPending++
			}
			sum.PendingReceipts += len(l.PendingReceipts)
			sum.TotalPendingAmount = money.Add(sum.TotalPendingAmount, l.TotalPendingAmount)
			if l.Balance.IsNegative() {
				sum.TotalDue = money.Add(sum.TotalDue, l.Balance.Neg())
			} else {
				sum.TotalCredit = money.Add(sum.TotalCredit, l.Balance)
			}
		}
	})
	return sum, err
}

// Loaded reports whether at least one bulk load has completed.
func (s *Store) Loaded(ctx context.Context) (bool, error) {
	var loaded bool
	err := s.do(ctx, func(st *state) { loaded = st.loaded })
	return loaded, err
}

func (st *state) insert(l *Ledger) {
	if l.PendingReceipts == nil {
		l.PendingReceipts = []PendingReceiptEntry{}
	}
	st.order = append(st.order, l.ID)
	st.byKey[l.ID] = l
	id := identity{l.Name, l.Phone}
	if _, taken := st.byName[id]; !taken {
		st.byName[id] = l.ID
	}
}

func (st *state) snapshot() []Ledger {
	out := make([]Ledger, 0, len(st.order))
	for _, key := range st.order {
		out = append(out, st.byKey[key].Clone())
	}
	return out
}
