package billing

import (
	"log"
	"sync"
	"time"

	"callbridge/internal/callstate"
	"callbridge/internal/models"
	"callbridge/pkg/utils"
)

// Wallet is the wallet surface the driver uses each tick: a balance read
// for the pre-charge check and the transactional debit/credit.
type Wallet interface {
	GetBalance(userID string) (float64, error)
	ChargeForCall(callerID, receiverID string, rate, commissionPct float64) (callerBalance, receiverCredit float64, err error)
}

// Verifier checks that the caller's payment session is still externally
// valid; consulted once per tick.
type Verifier interface {
	Verify(callerID string) (bool, error)
}

// AlwaysValid is the default verifier for deployments without an external
// payment gateway.
type AlwaysValid struct{}

func (AlwaysValid) Verify(string) (bool, error) { return true, nil }

// Reporter receives tick outcomes. Termination callbacks are invoked after
// the cycle has already been stopped and removed; the reporter's job is
// notifying users and clearing call state.
type Reporter interface {
	OnCharged(callerID, receiverID string, callerBalance, receiverCredit float64)
	OnInsufficientFunds(callerID, receiverID string, startTime time.Time)
	OnVerificationFailed(callerID, receiverID string, startTime time.Time)
}

type cycle struct {
	callerID   string
	receiverID string
	rate       float64
	startTime  time.Time

	mu     sync.Mutex
	active bool
	ticker *time.Ticker
	stop   chan struct{}
}

// Driver runs one recurring billing cycle per connected call, keyed by the
// canonical unordered pair key so either party's endCall finds it.
type Driver struct {
	mu     sync.Mutex
	cycles map[string]*cycle

	wallet        Wallet
	verifier      Verifier
	reporter      Reporter
	interval      time.Duration
	rate          float64
	commissionPct float64
}

func NewDriver(wallet Wallet, verifier Verifier, interval time.Duration, rate, commissionPct float64) *Driver {
	return &Driver{
		cycles:        make(map[string]*cycle),
		wallet:        wallet,
		verifier:      verifier,
		interval:      interval,
		rate:          rate,
		commissionPct: commissionPct,
	}
}

// SetReporter must be called before the first Start; it is split from the
// constructor because the hub and the driver reference each other.
func (d *Driver) SetReporter(r Reporter) {
	d.reporter = r
}

// Start arms a billing cycle for the call. Starting an already-armed pair
// is a no-op.
func (d *Driver) Start(callerID, receiverID string) {
	key := callstate.PairKey(callerID, receiverID)

	d.mu.Lock()
	if _, ok := d.cycles[key]; ok {
		d.mu.Unlock()
		return
	}
	c := &cycle{
		callerID:   callerID,
		receiverID: receiverID,
		rate:       d.rate,
		startTime:  time.Now(),
		active:     true,
		ticker:     time.NewTicker(d.interval),
		stop:       make(chan struct{}),
	}
	d.cycles[key] = c
	d.mu.Unlock()

	utils.ActiveCalls.Inc()
	log.Printf("[Billing] Cycle armed for %s (rate %.2f/%s)", key, c.rate, d.interval)
	go d.run(key, c)
}

func (d *Driver) run(key string, c *cycle) {
	for {
		select {
		case <-c.stop:
			return
		case <-c.ticker.C:
			if !d.tick(key, c) {
				return
			}
		}
	}
}

// tick applies one billing interval. It holds the cycle lock across the
// wallet transaction so Stop cannot complete while a charge is committing;
// a Stop that won the race flips active first and the tick writes nothing.
func (d *Driver) tick(key string, c *cycle) bool {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return false
	}

	// Balance first, then payment verification. A call failing both ends
	// as insufficient funds, not as a verification error.
	balance, err := d.wallet.GetBalance(c.callerID)
	if err != nil || balance < c.rate {
		c.active = false
		c.ticker.Stop()
		c.mu.Unlock()

		d.remove(key)
		utils.BillingTickErrors.Inc()
		log.Printf("[Billing] Terminating %s: balance %.2f below rate %.2f", key, balance, c.rate)
		d.reporter.OnInsufficientFunds(c.callerID, c.receiverID, c.startTime)
		return false
	}

	valid, err := d.verifier.Verify(c.callerID)
	if err != nil || !valid {
		c.active = false
		c.ticker.Stop()
		c.mu.Unlock()

		d.remove(key)
		utils.BillingTickErrors.Inc()
		log.Printf("[Billing] Verification failed for %s: %v", key, err)
		d.reporter.OnVerificationFailed(c.callerID, c.receiverID, c.startTime)
		return false
	}

	callerBalance, receiverCredit, err := d.wallet.ChargeForCall(c.callerID, c.receiverID, c.rate, d.commissionPct)
	if err != nil {
		c.active = false
		c.ticker.Stop()
		c.mu.Unlock()

		d.remove(key)
		utils.BillingTickErrors.Inc()
		log.Printf("[Billing] Terminating %s: %v", key, err)
		d.reporter.OnInsufficientFunds(c.callerID, c.receiverID, c.startTime)
		return false
	}
	c.mu.Unlock()

	d.reporter.OnCharged(c.callerID, c.receiverID, callerBalance, receiverCredit)
	return true
}

// Stop tears down the cycle for the pair and reports its start time.
// Stopping an absent or already-stopped cycle is a no-op returning
// ok=false.
func (d *Driver) Stop(a, b string) (startTime time.Time, ok bool) {
	key := callstate.PairKey(a, b)

	d.mu.Lock()
	c, found := d.cycles[key]
	if found {
		delete(d.cycles, key)
	}
	d.mu.Unlock()

	if !found {
		return time.Time{}, false
	}

	c.mu.Lock()
	if c.active {
		c.active = false
		c.ticker.Stop()
		close(c.stop)
	}
	c.mu.Unlock()

	utils.ActiveCalls.Dec()
	log.Printf("[Billing] Cycle stopped for %s", key)
	return c.startTime, true
}

// remove deletes a cycle that terminated itself mid-tick.
func (d *Driver) remove(key string) {
	d.mu.Lock()
	if _, ok := d.cycles[key]; ok {
		delete(d.cycles, key)
		d.mu.Unlock()
		utils.ActiveCalls.Dec()
		return
	}
	d.mu.Unlock()
}

// StartTimeOf reports when the pair's cycle was armed.
func (d *Driver) StartTimeOf(a, b string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.cycles[callstate.PairKey(a, b)]
	if !ok {
		return time.Time{}, false
	}
	return c.startTime, true
}

// ActiveCalls lists currently billed calls for the admin API.
func (d *Driver) ActiveCalls() []*models.ActiveCall {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := make([]*models.ActiveCall, 0, len(d.cycles))
	for key, c := range d.cycles {
		list = append(list, &models.ActiveCall{
			PairKey:   key,
			CallerID:  c.callerID,
			CalleeID:  c.receiverID,
			State:     models.StateConnected,
			StartTime: c.startTime,
			Rate:      c.rate,
		})
	}
	return list
}
