// Package provision drives a shop from REQUESTED to READY: it reserves the
// site, runs the provisioning steps in order, records every transition and
// tears down whatever an attempt created when a step fails.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-password/password"

	"github.com/everydev1618/shopkeep"
	"github.com/everydev1618/shopkeep/container"
	"github.com/everydev1618/shopkeep/internal/metrics"
	"github.com/everydev1618/shopkeep/store"
	"github.com/everydev1618/shopkeep/wordpress"
)

const (
	DefaultWooCommerceSource = "https://downloads.wordpress.org/plugin/woocommerce.8.6.1.zip"
	DefaultDemoDataURL       = "https://raw.githubusercontent.com/woocommerce/woocommerce/trunk/plugins/woocommerce/sample-data/sample_products.xml"
	DefaultPublicHost        = "localhost"

	DefaultStepTimeout    = 15 * time.Minute
	DefaultExecTimeout    = 5 * time.Minute
	DefaultHealthTimeout  = 3 * time.Minute
	DefaultPollInterval   = 2 * time.Second
	DefaultCleanupTimeout = 2 * time.Minute

	dbName = "wordpress"
	dbUser = "wordpress"
)

// Runtime is the container surface provisioning needs.
type Runtime interface {
	wordpress.Executor

	CreateNetwork(ctx context.Context, name string, labels map[string]string) (string, error)
	NetworkLabels(ctx context.Context, name string) (map[string]string, error)
	RemoveNetwork(ctx context.Context, name string) error
	RunContainer(ctx context.Context, spec container.ContainerSpec) (string, error)
	RemoveContainer(ctx context.Context, name string) error
	Inspect(ctx context.Context, name string) (container.ContainerStatus, error)
	ListSiteContainers(ctx context.Context, site string) ([]string, error)
}

// Event is a state change observed by the orchestrator.
type Event struct {
	SiteName string         `json:"site_name"`
	Attempt  int            `json:"attempt"`
	From     shopkeep.State `json:"from"`
	To       shopkeep.State `json:"to"`
	At       time.Time      `json:"at"`
	Error    string         `json:"error,omitempty"`
}

// Result is the outcome of a successful CreateShop. The admin password is
// handed out once and never stored.
type Result struct {
	shopkeep.ShopRecord
	AdminUser     string `json:"admin_user"`
	AdminPassword string `json:"admin_password"`
}

// Orchestrator provisions shops.
type Orchestrator struct {
	runtime Runtime
	store   store.Store
	logger  *slog.Logger

	publicHost        string
	wooCommerceSource string
	demoDataURL       string
	stepTimeout       time.Duration
	execTimeout       time.Duration
	healthTimeout     time.Duration
	pollInterval      time.Duration
	cleanupTimeout    time.Duration
	secret            func() (string, error)

	callbackMu   sync.RWMutex
	onTransition []func(Event)
	onReady      []func(shopkeep.ShopRecord)
	onFailed     []func(shopkeep.ShopRecord, error)
}

// OrchestratorOption configures the Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithPublicHost sets the host name shop URLs are built on.
func WithPublicHost(host string) OrchestratorOption {
	return func(o *Orchestrator) { o.publicHost = host }
}

// WithWooCommerceSource sets the plugin slug, URL or zip WooCommerce is installed from.
func WithWooCommerceSource(src string) OrchestratorOption {
	return func(o *Orchestrator) { o.wooCommerceSource = src }
}

// WithDemoDataURL sets the WXR file imported as demo catalog.
func WithDemoDataURL(url string) OrchestratorOption {
	return func(o *Orchestrator) { o.demoDataURL = url }
}

// WithStepTimeout bounds each provisioning step.
func WithStepTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.stepTimeout = d }
}

// WithExecTimeout bounds each command run inside a container.
func WithExecTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.execTimeout = d }
}

// WithHealthTimeout bounds the wait for the database and web containers.
func WithHealthTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.healthTimeout = d }
}

// WithPollInterval sets the delay between readiness probes.
func WithPollInterval(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.pollInterval = d }
}

// WithCleanupTimeout bounds the teardown of a failed attempt.
func WithCleanupTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.cleanupTimeout = d }
}

// WithSecretGenerator replaces the password generator.
func WithSecretGenerator(fn func() (string, error)) OrchestratorOption {
	return func(o *Orchestrator) { o.secret = fn }
}

// NewOrchestrator creates an orchestrator over a container runtime and a record store.
func NewOrchestrator(rt Runtime, st store.Store, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		runtime:           rt,
		store:             st,
		logger:            slog.Default(),
		publicHost:        DefaultPublicHost,
		wooCommerceSource: DefaultWooCommerceSource,
		demoDataURL:       DefaultDemoDataURL,
		stepTimeout:       DefaultStepTimeout,
		execTimeout:       DefaultExecTimeout,
		healthTimeout:     DefaultHealthTimeout,
		pollInterval:      DefaultPollInterval,
		cleanupTimeout:    DefaultCleanupTimeout,
		secret:            randomSecret,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// OnTransition registers a callback for every recorded state change.
func (o *Orchestrator) OnTransition(fn func(Event)) {
	o.callbackMu.Lock()
	o.onTransition = append(o.onTransition, fn)
	o.callbackMu.Unlock()
}

// OnReady registers a callback for shops that reach READY.
func (o *Orchestrator) OnReady(fn func(shopkeep.ShopRecord)) {
	o.callbackMu.Lock()
	o.onReady = append(o.onReady, fn)
	o.callbackMu.Unlock()
}

// OnFailed registers a callback for attempts that end in FAILED.
func (o *Orchestrator) OnFailed(fn func(shopkeep.ShopRecord, error)) {
	o.callbackMu.Lock()
	o.onFailed = append(o.onFailed, fn)
	o.callbackMu.Unlock()
}

func (o *Orchestrator) emitTransition(ev Event) {
	o.callbackMu.RLock()
	callbacks := make([]func(Event), len(o.onTransition))
	copy(callbacks, o.onTransition)
	o.callbackMu.RUnlock()

	for _, cb := range callbacks {
		cb(ev)
	}
}

func (o *Orchestrator) emitReady(rec shopkeep.ShopRecord) {
	o.callbackMu.RLock()
	callbacks := make([]func(shopkeep.ShopRecord), len(o.onReady))
	copy(callbacks, o.onReady)
	o.callbackMu.RUnlock()

	for _, cb := range callbacks {
		cb(rec)
	}
}

func (o *Orchestrator) emitFailed(rec shopkeep.ShopRecord, err error) {
	o.callbackMu.RLock()
	callbacks := make([]func(shopkeep.ShopRecord, error), len(o.onFailed))
	copy(callbacks, o.onFailed)
	o.callbackMu.RUnlock()

	for _, cb := range callbacks {
		cb(rec, err)
	}
}

// resource is something an attempt created and must remove on failure.
type resource struct {
	network bool
	name    string
}

// attempt carries the state of one provisioning run.
type attempt struct {
	req   shopkeep.ShopRequest
	lease store.Lease
	state shopkeep.State
	log   *slog.Logger

	created []resource

	rootPassword  string
	dbPassword    string
	adminPassword string

	url      string
	subsites []string
	wp       *wordpress.CLI
}

// site returns the CLI for the (sub)site the shop lives on.
func (a *attempt) site() *wordpress.CLI {
	if a.req.TenantMode == shopkeep.TenantMulti {
		return a.wp.ForURL(a.url + "/" + a.req.SiteName)
	}
	return a.wp.ForURL(a.url)
}

// CreateShop provisions the shop described by req and returns its READY
// record. A site that already has a live or READY record is a
// shopkeep.ErrConflict and nothing is touched. A step failure removes every
// resource the attempt created, marks the record FAILED and returns the
// step's error.
func (o *Orchestrator) CreateShop(ctx context.Context, req shopkeep.ShopRequest) (*Result, error) {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	lease, err := o.store.Reserve(ctx, req)
	if err != nil {
		return nil, err
	}
	done := metrics.ProvisionStarted()
	defer done()

	a := &attempt{
		req:   req,
		lease: lease,
		state: shopkeep.StateRequested,
		log:   o.logger.With("site", req.SiteName, "attempt", lease.Attempt),
		wp: wordpress.New(o.runtime, shopkeep.WebContainerName(req.SiteName),
			wordpress.WithTimeout(o.execTimeout),
			wordpress.WithLogger(o.logger.With("site", req.SiteName))),
	}
	a.log.Info("provisioning shop", "tenant_mode", req.TenantMode, "locale", req.Locale, "theme", req.Theme)
	o.emitTransition(Event{SiteName: req.SiteName, Attempt: lease.Attempt, To: shopkeep.StateRequested, At: time.Now()})

	if err := o.prepare(ctx, a); err != nil {
		return nil, o.fail(ctx, a, "prepare", err)
	}

	var rec shopkeep.ShopRecord
	for _, s := range o.steps(req.TenantMode) {
		stepCtx, cancel := context.WithTimeout(ctx, o.stepTimeout)
		start := time.Now()
		patch, err := s.run(stepCtx, a)
		cancel()
		metrics.ObserveStep(string(s.to), time.Since(start), err)
		if err != nil {
			return nil, o.fail(ctx, a, s.name, err)
		}

		rec, err = o.store.Advance(ctx, lease, s.to, patch)
		if err != nil {
			return nil, o.fail(ctx, a, s.name, err)
		}
		a.log.Info("shop advanced", "from", a.state, "to", s.to, "duration", time.Since(start))
		o.emitTransition(Event{SiteName: req.SiteName, Attempt: lease.Attempt, From: a.state, To: s.to, At: rec.UpdatedAt})
		a.state = s.to
	}

	metrics.RecordAttempt(string(req.TenantMode), nil)
	a.log.Info("shop ready", "url", rec.URL)
	o.emitReady(rec)
	return &Result{ShopRecord: rec, AdminUser: wordpress.AdminUser, AdminPassword: a.adminPassword}, nil
}

// prepare generates credentials and sweeps resources left behind by an
// earlier attempt whose cleanup did not finish. Only resources labelled for
// this site are removed; anything else under a shop name surfaces later as
// shopkeep.ErrResourceConflict.
func (o *Orchestrator) prepare(ctx context.Context, a *attempt) error {
	var err error
	for _, p := range []*string{&a.rootPassword, &a.dbPassword, &a.adminPassword} {
		if *p, err = o.secret(); err != nil {
			return fmt.Errorf("generate password: %w", err)
		}
	}

	site := a.req.SiteName
	leftovers, err := o.runtime.ListSiteContainers(ctx, site)
	if err != nil {
		return err
	}
	for _, name := range leftovers {
		a.log.Warn("removing leftover container", "container", name)
		if err := o.runtime.RemoveContainer(ctx, name); err != nil {
			return err
		}
	}

	labels, err := o.runtime.NetworkLabels(ctx, shopkeep.NetworkName(site))
	switch {
	case errors.Is(err, shopkeep.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	if labels[container.LabelSite] != site {
		return nil
	}
	a.log.Warn("removing leftover network", "network", shopkeep.NetworkName(site))
	return o.runtime.RemoveNetwork(ctx, shopkeep.NetworkName(site))
}

// fail tears down what the attempt created, in reverse order, then records
// FAILED. Cleanup runs even when ctx is cancelled and its errors are logged
// without replacing err.
func (o *Orchestrator) fail(ctx context.Context, a *attempt, step string, err error) error {
	kind := shopkeep.KindOf(err)
	switch {
	case kind == shopkeep.ErrResourceConflict, kind == shopkeep.ErrValidation, kind == shopkeep.ErrConflict:
	default:
		kind = shopkeep.ErrExternal
	}
	ferr := shopkeep.NewError(kind, step, a.req.SiteName, err)
	a.log.Error("provisioning failed", "step", step, "state", a.state, "error", ferr)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cleanupTimeout)
	defer cancel()

	for i := len(a.created) - 1; i >= 0; i-- {
		r := a.created[i]
		var cerr error
		if r.network {
			cerr = o.runtime.RemoveNetwork(cctx, r.name)
		} else {
			cerr = o.runtime.RemoveContainer(cctx, r.name)
		}
		if cerr != nil {
			metrics.RecordCleanupFailure()
			a.log.Warn("cleanup failed", "resource", r.name, "error", cerr)
			continue
		}
		a.log.Info("removed", "resource", r.name)
	}

	rec, serr := o.store.Fail(cctx, a.lease, ferr.Error())
	if serr != nil {
		a.log.Error("recording failure", "error", serr)
		rec = shopkeep.ShopRecord{SiteName: a.req.SiteName, State: shopkeep.StateFailed, Attempt: a.lease.Attempt}
	}
	metrics.RecordAttempt(string(a.req.TenantMode), ferr)
	o.emitTransition(Event{
		SiteName: a.req.SiteName,
		Attempt:  a.lease.Attempt,
		From:     a.state,
		To:       shopkeep.StateFailed,
		At:       time.Now(),
		Error:    ferr.Error(),
	})
	o.emitFailed(rec, ferr)
	return ferr
}

// Reapply renders the rewrite rules of a READY shop again and installs them
// when they differ from what is deployed. It reports whether anything changed.
func (o *Orchestrator) Reapply(ctx context.Context, site string) (bool, error) {
	rec, err := o.store.Get(ctx, site)
	if err != nil {
		return false, err
	}
	if rec.State != shopkeep.StateReady {
		return false, shopkeep.NewError(shopkeep.ErrConflict, "reapply rewrites", site,
			fmt.Errorf("shop is %s, not READY", rec.State))
	}

	wp := wordpress.New(o.runtime, shopkeep.WebContainerName(site),
		wordpress.WithTimeout(o.execTimeout),
		wordpress.WithLogger(o.logger.With("site", site))).ForURL(rec.URL)
	changed, err := o.configureRewrites(ctx, wp, rec.TenantMode, rec.Subsites)
	if err != nil {
		return false, err
	}
	o.logger.Info("rewrites reapplied", "site", site, "changed", changed)
	return changed, nil
}

// randomSecret generates a credential that is safe to pass through shell
// arguments and environment variables unquoted.
func randomSecret() (string, error) {
	return password.Generate(24, 6, 0, false, true)
}
