// Package ingest runs the per-user ingestion state machine: it decides which
// domains are missing, failed or stale, fetches them in parallel, scores the
// merged record and settles the user's aggregate status.
//
// A run only redoes domains that need it, so retrying a failed run through
// the work queue is cheap.
package ingest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/okian/klyro/internal/config"
	"github.com/okian/klyro/internal/domain/model"
	"github.com/okian/klyro/internal/domain/scoring"
	"github.com/okian/klyro/pkg/logger"
	"github.com/okian/klyro/pkg/metrics"
	"github.com/okian/klyro/pkg/telemetry"
)

// DefaultStaleness is the age after which completed data is refetched.
const DefaultStaleness = 24 * time.Hour

// maxPasses bounds how often one run refetches domains whose inputs changed
// while it was running.
const maxPasses = 3

// Store is the slice of the record store the orchestrator writes through.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (model.User, error)
	GetProfile(ctx context.Context, id uuid.UUID) (model.Profile, error)
	SetUserStatus(ctx context.Context, id uuid.UUID, status model.Status, fetchedAt *time.Time) error
	SetDomainStatus(ctx context.Context, id uuid.UUID, d model.Domain, status model.Status, errMsg string) error
	SaveDomain(ctx context.Context, id uuid.UUID, d model.Domain, status model.Status, data any, errMsg string) error
	SetCredential(ctx context.Context, id uuid.UUID, credentialID string) error
}

// PlatformSource yields the scoring configuration for one computation.
type PlatformSource interface {
	Load(ctx context.Context) *config.PlatformConfig
}

// CodeHostFetcher fetches a user's code-host snapshot.
type CodeHostFetcher interface {
	Fetch(ctx context.Context, username string) (*model.CodeHostData, error)
}

// ChainFetcher fetches on-chain activity. It may return usable data together
// with an error when only some networks failed.
type ChainFetcher interface {
	Fetch(ctx context.Context, addresses []string, cfg *config.PlatformConfig) (*model.ChainData, error)
}

// BadgeFetcher looks up badges. It never fails.
type BadgeFetcher interface {
	Fetch(ctx context.Context, addresses []string, cfg *config.PlatformConfig) *model.BadgeData
}

// CredentialIssuer issues a credential for a completed profile and returns its id.
type CredentialIssuer interface {
	Issue(ctx context.Context, p model.Profile) (string, error)
}

// Result summarizes one run.
type Result struct {
	UserID    uuid.UUID
	Status    model.Status
	Processed []model.Domain
	Failed    []model.Domain
	Scored    bool
	// Cached is true when nothing needed processing and nothing was written.
	Cached bool
}

// Orchestrator runs ingestion for one user at a time; it is safe to share
// between workers.
type Orchestrator struct {
	store     Store
	platform  PlatformSource
	codeHost  CodeHostFetcher
	chain     ChainFetcher
	badges    BadgeFetcher
	issuer    CredentialIssuer
	engine    *scoring.Engine
	staleness time.Duration
	now       func() time.Time
	log       logger.Logger
	tracer    trace.Tracer
}

// New creates an orchestrator. Connectors left unset make their domains fail
// when required.
func New(store Store, platform PlatformSource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		platform:  platform,
		engine:    scoring.NewEngine(),
		staleness: DefaultStaleness,
		now:       time.Now,
		log:       logger.Get().Named("ingest"),
		tracer:    telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Process runs a queued job; it satisfies the worker's Handler contract.
func (o *Orchestrator) Process(ctx context.Context, j model.Job) error { //nolint:gocritic // hugeParam: jobs travel by value
	_, err := o.Run(ctx, j.UserID, j.ForceRefresh)
	return err
}

// NeedsProcessing reports whether a domain must be fetched: it never
// completed, it failed, or its data is older than staleness. force skips
// the staleness check and always refetches.
func NeedsProcessing(s model.DomainState, force bool, now time.Time, staleness time.Duration) bool {
	if force || s.Status != model.StatusCompleted || s.LastFetchedAt == nil {
		return true
	}
	return now.Sub(*s.LastFetchedAt) > staleness
}

// Applicable lists the fetched domains that apply to u.
func Applicable(u model.User) []model.Domain {
	var out []model.Domain
	if u.Username != "" {
		out = append(out, model.DomainCodeHost)
	}
	if len(u.Addresses) > 0 {
		out = append(out, model.DomainChain, model.DomainBadge)
	}
	return out
}

// Plan returns the domains of p that need processing.
func (o *Orchestrator) Plan(p model.Profile, force bool) []model.Domain {
	now := o.now()
	var out []model.Domain
	for _, d := range Applicable(p.User) {
		if NeedsProcessing(p.State(d), force, now, o.staleness) {
			out = append(out, d)
		}
	}
	return out
}

// Run processes one user. On any error or panic the aggregate status is
// forced to FAILED before returning.
func (o *Orchestrator) Run(ctx context.Context, userID uuid.UUID, force bool) (res Result, err error) {
	ctx, span := o.tracer.Start(ctx, "ingest.Run", trace.WithAttributes(
		attribute.String("user.id", userID.String()),
		attribute.Bool("force_refresh", force),
	))
	defer span.End()

	res = Result{UserID: userID}
	log := o.log
	fields := []logger.Field{logger.String("user_id", userID.String())}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
		if err == nil {
			metrics.RecordOrchestration(string(res.Status))
			return
		}
		res.Status = model.StatusFailed
		metrics.RecordOrchestration(string(model.StatusFailed))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// The caller must never observe PROCESSING as terminal.
		if serr := o.store.SetUserStatus(context.WithoutCancel(ctx), userID, model.StatusFailed, nil); serr != nil {
			log.Error(ctx, "failed to mark user FAILED", append(fields, logger.Error(serr))...)
		}
		log.Error(ctx, "ingestion failed", append(fields, logger.Error(err))...)
	}()

	prof, err := o.store.GetProfile(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("load profile: %w", err)
	}

	plan := o.Plan(prof, force)
	needScore := len(plan) > 0 || !derivedComplete(prof)
	if !needScore && prof.User.Status == model.StatusCompleted {
		res.Status = model.StatusCompleted
		res.Cached = true
		log.Debug(ctx, "profile fresh, nothing to do", fields...)
		return res, nil
	}

	if err := o.store.SetUserStatus(ctx, userID, model.StatusProcessing, nil); err != nil {
		return res, fmt.Errorf("mark processing: %w", err)
	}
	cfg := o.platform.Load(ctx)

	var latest model.Profile
	for pass := 1; ; pass++ {
		res.Processed = appendMissing(res.Processed, plan)
		res.Failed = appendMissing(res.Failed, o.fetchAll(ctx, prof.User, plan, cfg))

		if needScore {
			if err := o.score(ctx, userID, cfg); err != nil {
				return res, err
			}
			res.Scored = true
		}

		// Settle from what is persisted, not from what this run believes.
		latest, err = o.store.GetProfile(ctx, userID)
		if err != nil {
			return res, fmt.Errorf("reload profile: %w", err)
		}
		plan = reset(latest)
		if len(plan) == 0 || pass == maxPasses {
			break
		}
		log.Info(ctx, "identity changed during run, refetching", append(fields,
			logger.Int("pass", pass),
			logger.String("domains", joinDomains(plan)),
		)...)
		prof = latest
		needScore = true
	}

	var missing []string
	for _, d := range latest.User.RequiredDomains() {
		if latest.State(d).Status != model.StatusCompleted {
			missing = append(missing, string(d))
		}
	}
	if len(missing) > 0 {
		return res, fmt.Errorf("%w: %s", ErrDomainFailed, strings.Join(missing, ", "))
	}

	now := o.now().UTC()
	if err := o.store.SetUserStatus(ctx, userID, model.StatusCompleted, &now); err != nil {
		return res, fmt.Errorf("mark completed: %w", err)
	}
	res.Status = model.StatusCompleted
	log.Info(ctx, "ingestion completed", append(fields,
		logger.Int("processed", len(res.Processed)),
		logger.Bool("scored", res.Scored),
	)...)

	if res.Scored {
		o.issue(ctx, latest)
	}
	return res, nil
}

// reset lists the applicable domains found back at PENDING after a pass:
// an analyze request extended the identity while they were being fetched.
func reset(p model.Profile) []model.Domain {
	var out []model.Domain
	for _, d := range Applicable(p.User) {
		if p.State(d).Status == model.StatusPending {
			out = append(out, d)
		}
	}
	return out
}

func appendMissing(dst, src []model.Domain) []model.Domain {
	for _, d := range src {
		if !slices.Contains(dst, d) {
			dst = append(dst, d)
		}
	}
	return dst
}

func joinDomains(ds []model.Domain) string {
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = string(d)
	}
	return strings.Join(parts, ",")
}

// derivedComplete reports whether score and worth exist and completed.
func derivedComplete(p model.Profile) bool {
	return p.Score != nil && p.Worth != nil &&
		p.State(model.DomainScore).Status == model.StatusCompleted &&
		p.State(model.DomainWorth).Status == model.StatusCompleted
}

// fetchAll runs every planned domain in parallel and waits for all of them.
// One domain failing never cancels its siblings. It returns the failed domains.
func (o *Orchestrator) fetchAll(ctx context.Context, u model.User, plan []model.Domain, cfg *config.PlatformConfig) []model.Domain {
	var (
		mu     sync.Mutex
		failed []model.Domain
		g      errgroup.Group
	)
	for _, d := range plan {
		g.Go(func() error {
			if err := o.fetchDomain(ctx, u, d, cfg); err != nil {
				mu.Lock()
				failed = append(failed, d)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	return failed
}

func (o *Orchestrator) fetchDomain(ctx context.Context, u model.User, d model.Domain, cfg *config.PlatformConfig) (err error) {
	ctx, span := o.tracer.Start(ctx, "ingest.fetch", trace.WithAttributes(
		attribute.String("user.id", u.ID.String()),
		attribute.String("domain", string(d)),
	))
	defer span.End()

	fields := []logger.Field{logger.String("user_id", u.ID.String()), logger.String("domain", string(d))}
	start := o.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			o.markFailed(ctx, u.ID, d, err)
		}
		status := model.StatusCompleted
		if err != nil {
			status = model.StatusFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.RecordDomainFetch(string(d), strings.ToLower(string(status)), o.now().Sub(start))
	}()

	if err := o.store.SetDomainStatus(ctx, u.ID, d, model.StatusProcessing, ""); err != nil {
		return fmt.Errorf("mark %s processing: %w", d, err)
	}
	o.log.Debug(ctx, "domain processing", fields...)

	var (
		data     any
		fetchErr error
	)
	switch d {
	case model.DomainCodeHost:
		if o.codeHost == nil {
			fetchErr = fmt.Errorf("no code-host connector configured")
			break
		}
		var ch *model.CodeHostData
		ch, fetchErr = o.codeHost.Fetch(ctx, u.Username)
		if ch != nil {
			data = ch
		}
	case model.DomainChain:
		if o.chain == nil {
			fetchErr = fmt.Errorf("no chain connector configured")
			break
		}
		var cd *model.ChainData
		cd, fetchErr = o.chain.Fetch(ctx, u.Addresses, cfg)
		if cd != nil {
			// Succeeded networks are kept even when others failed.
			data = cd
		}
	case model.DomainBadge:
		bd := (*model.BadgeData)(nil)
		if o.badges != nil {
			bd = o.badges.Fetch(ctx, u.Addresses, cfg)
		}
		if bd == nil {
			empty := model.EmptyBadges()
			bd = &empty
		}
		data = bd
	default:
		fetchErr = fmt.Errorf("domain %s is not fetchable", d)
	}

	if fetchErr != nil {
		if data != nil {
			if err := o.store.SaveDomain(ctx, u.ID, d, model.StatusFailed, data, fetchErr.Error()); err != nil {
				o.log.Error(ctx, "failed to save partial domain data", append(fields, logger.Error(err))...)
			}
		} else {
			o.markFailed(ctx, u.ID, d, fetchErr)
		}
		o.log.Warn(ctx, "domain failed", append(fields, logger.Error(fetchErr))...)
		return fetchErr
	}

	if err := o.store.SaveDomain(ctx, u.ID, d, model.StatusCompleted, data, ""); err != nil {
		o.markFailed(ctx, u.ID, d, err)
		return fmt.Errorf("save %s: %w", d, err)
	}
	// Checked after the save: an address linked before this read is caught
	// here, one linked after it is followed by its own PENDING reset.
	if o.outdated(ctx, u, d) {
		if err := o.store.SetDomainStatus(ctx, u.ID, d, model.StatusPending, ""); err != nil {
			o.markFailed(ctx, u.ID, d, err)
			return fmt.Errorf("reset %s: %w", d, err)
		}
		o.log.Info(ctx, "domain inputs changed while fetching", fields...)
		return nil
	}
	o.log.Info(ctx, "domain completed", append(fields, logger.Duration("elapsed", o.now().Sub(start)))...)
	return nil
}

// outdated reports whether the user gained an address that the data just
// fetched for d does not cover.
func (o *Orchestrator) outdated(ctx context.Context, fetched model.User, d model.Domain) bool { //nolint:gocritic // hugeParam: user is read-only
	if d != model.DomainChain && d != model.DomainBadge {
		return false
	}
	cur, err := o.store.GetUser(ctx, fetched.ID)
	if err != nil {
		return false
	}
	for _, a := range cur.Addresses {
		if !fetched.HasAddress(a) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) markFailed(ctx context.Context, id uuid.UUID, d model.Domain, cause error) {
	if err := o.store.SetDomainStatus(context.WithoutCancel(ctx), id, d, model.StatusFailed, cause.Error()); err != nil {
		o.log.Error(ctx, "failed to mark domain FAILED",
			logger.String("user_id", id.String()),
			logger.String("domain", string(d)),
			logger.Error(err),
		)
	}
}

// score recomputes score and worth in parallel over the persisted record.
func (o *Orchestrator) score(ctx context.Context, id uuid.UUID, cfg *config.PlatformConfig) error {
	ctx, span := o.tracer.Start(ctx, "ingest.score")
	defer span.End()

	p, err := o.store.GetProfile(ctx, id)
	if err != nil {
		return fmt.Errorf("load profile for scoring: %w", err)
	}
	in := scoring.Input{CodeHost: p.CodeHost, Chain: p.Chain, Badges: p.Badges}
	start := o.now()

	var g errgroup.Group
	g.Go(func() error {
		rec := o.engine.Score(in, cfg, p.Score)
		return o.saveDerived(ctx, id, model.DomainScore, rec)
	})
	g.Go(func() error {
		rec := o.engine.Worth(in, cfg)
		return o.saveDerived(ctx, id, model.DomainWorth, rec)
	})
	if err := g.Wait(); err != nil {
		metrics.RecordScoringError()
		span.RecordError(err)
		return err
	}
	metrics.RecordScoreComputed(o.now().Sub(start))
	return nil
}

func (o *Orchestrator) saveDerived(ctx context.Context, id uuid.UUID, d model.Domain, rec any) error {
	if err := o.store.SaveDomain(ctx, id, d, model.StatusCompleted, rec, ""); err != nil {
		o.markFailed(ctx, id, d, err)
		return fmt.Errorf("save %s: %w", d, err)
	}
	return nil
}

// issue requests a credential for the completed profile. Failures are logged
// and never fail the run.
func (o *Orchestrator) issue(ctx context.Context, p model.Profile) {
	if o.issuer == nil {
		return
	}
	credID, err := o.issuer.Issue(ctx, p)
	if err != nil {
		o.log.Warn(ctx, "credential issuance failed",
			logger.String("user_id", p.User.ID.String()),
			logger.Error(err),
		)
		return
	}
	if err := o.store.SetCredential(ctx, p.User.ID, credID); err != nil {
		o.log.Warn(ctx, "failed to store credential id",
			logger.String("user_id", p.User.ID.String()),
			logger.Error(err),
		)
	}
}
