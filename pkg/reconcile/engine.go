package reconcile

import (
	"context"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/iris/pkg/metrics"
	"github.com/Ramsey-B/iris/pkg/models"
	"github.com/Ramsey-B/iris/pkg/tracing"
)

// Store is the persistence the engine needs. Implementations must exclude tombstoned rows
// from every read.
type Store interface {
	// FindByEmailOrPhone returns contacts matching either value, oldest first
	FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]models.Contact, error)
	Get(ctx context.Context, id int64) (*models.Contact, error)
	Create(ctx context.Context, email, phone *string, linkedID *int64, precedence models.Precedence) (*models.Contact, error)
	UpdateLink(ctx context.Context, id int64, linkedID *int64, precedence models.Precedence) (*models.Contact, error)
	// RelinkGroup repoints every secondary of fromPrimaryID at toPrimaryID
	RelinkGroup(ctx context.Context, fromPrimaryID, toPrimaryID int64) (int64, error)
	// GroupMembers returns the primary first, then its secondaries oldest first
	GroupMembers(ctx context.Context, primaryID int64) ([]models.Contact, error)
	Stats(ctx context.Context) (*models.ContactStats, error)
	// Atomically runs fn as a single unit; keys name the values the unit reads and may write
	Atomically(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
}

// Locker serializes identify calls that share a key across processes
type Locker interface {
	LockKeys(ctx context.Context, keys []string) (release func(ctx context.Context), err error)
}

// Option configures an Engine
type Option func(*Engine)

// WithLocker adds a distributed key lock around every identify call
func WithLocker(locker Locker) Option {
	return func(e *Engine) {
		e.locker = locker
	}
}

// WithChainPolicy sets how divergent secondaries are handled
func WithChainPolicy(policy ChainPolicy) Option {
	return func(e *Engine) {
		e.policy = policy
	}
}

// Engine reconciles observations into identity groups. It keeps no state between calls.
type Engine struct {
	store     Store
	validator *Validator
	locker    Locker
	policy    ChainPolicy
	logger    ectologger.Logger
}

func NewEngine(store Store, validator *Validator, logger ectologger.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		validator: validator,
		policy:    ChainPolicyMerge,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Identify resolves (email, phone) to an identity group, creating or merging as needed,
// and returns the group's consolidated view.
func (e *Engine) Identify(ctx context.Context, email, phone *string) (*models.ConsolidatedView, error) {
	ctx, span := tracing.StartSpan(ctx, "reconcile.Engine.Identify")
	defer span.End()

	start := time.Now()
	view, scenario, err := e.identify(ctx, email, phone)
	metrics.IdentifyDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		kind := ErrorKind(err)
		metrics.IdentifyErrorsTotal.WithLabelValues(kind).Inc()
		tracing.Fail(ctx, err, kind)
		return nil, err
	}

	metrics.IdentifyRequestsTotal.WithLabelValues(scenario.String()).Inc()
	tracing.Annotate(ctx,
		tracing.ScenarioKey.String(scenario.String()),
		tracing.PrimaryContactIDKey.Int64(view.PrimaryContactID),
	)
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"scenario":           scenario.String(),
		"primary_contact_id": view.PrimaryContactID,
		"secondary_count":    len(view.SecondaryContactIDs),
	}).Debug("Identified contact")
	return view, nil
}

func (e *Engine) identify(ctx context.Context, email, phone *string) (*models.ConsolidatedView, Scenario, error) {
	obs, err := e.validator.Normalize(email, phone)
	if err != nil {
		return nil, 0, err
	}

	keys := obs.Keys()
	if e.locker != nil {
		release, err := e.locker.LockKeys(ctx, keys)
		if err != nil {
			return nil, 0, &StoreError{Op: "lock", Err: err}
		}
		defer release(context.WithoutCancel(ctx))
	}

	var view *models.ConsolidatedView
	var plan Plan
	err = e.store.Atomically(ctx, keys, func(ctx context.Context) error {
		var err error
		plan, err = e.plan(ctx, obs)
		if err != nil {
			return err
		}

		primaryID, err := e.apply(ctx, plan, obs)
		if err != nil {
			return err
		}

		view, err = e.consolidate(ctx, primaryID)
		return err
	})
	if err != nil {
		return nil, 0, wrapStore("transaction", err)
	}

	recordMutations(plan)
	return view, plan.Scenario, nil
}

// recordMutations counts the writes of the committed plan. The unit may run more than
// once, so counters are only touched after it commits.
func recordMutations(plan Plan) {
	if plan.Scenario == ScenarioNoMatch {
		metrics.ContactsCreatedTotal.WithLabelValues(string(models.PrecedencePrimary)).Inc()
		return
	}
	if plan.Scenario == ScenarioMergePrimaries {
		metrics.MergesTotal.Add(float64(len(plan.Demote)))
	}
	if plan.NeedsSecondary() {
		metrics.ContactsCreatedTotal.WithLabelValues(string(models.PrecedenceSecondary)).Inc()
	}
}

// plan reads the current state for obs and classifies it
func (e *Engine) plan(ctx context.Context, obs Observation) (Plan, error) {
	matches, err := e.store.FindByEmailOrPhone(ctx, obs.Email, obs.Phone)
	if err != nil {
		return Plan{}, wrapStore("find", err)
	}

	roots := make(map[int64]models.Contact, len(matches))
	for i := range matches {
		if matches[i].IsPrimary() {
			roots[matches[i].ID] = matches[i]
		}
	}
	for i := range matches {
		c := &matches[i]
		if c.IsPrimary() || c.LinkedID == nil {
			continue
		}
		if _, ok := roots[*c.LinkedID]; ok {
			continue
		}
		root, err := e.store.Get(ctx, *c.LinkedID)
		if isNotFound(err) {
			// left out of roots so Classify reports the dangling link
			continue
		}
		if err != nil {
			return Plan{}, wrapStore("get", err)
		}
		roots[root.ID] = *root
	}

	plan, err := Classify(obs, matches, roots, e.policy)
	if err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"matched_ids": ectolinq.Map(matches, func(c models.Contact) int64 { return c.ID }),
		}).Warn("Refusing to reconcile contact")
		return Plan{}, err
	}
	return plan, nil
}

// apply performs the plan's mutations and returns the resolved primary id
func (e *Engine) apply(ctx context.Context, plan Plan, obs Observation) (int64, error) {
	switch plan.Scenario {
	case ScenarioNoMatch:
		created, err := e.store.Create(ctx, obs.Email, obs.Phone, nil, models.PrecedencePrimary)
		if err != nil {
			return 0, wrapStore("create", err)
		}
		return created.ID, nil

	case ScenarioExactDuplicate:
		return plan.Primary.ID, nil

	case ScenarioMergePrimaries:
		if err := e.merge(ctx, plan); err != nil {
			return 0, err
		}
		return plan.Primary.ID, e.attachMissing(ctx, plan)

	case ScenarioAttachToPrimary, ScenarioAttachViaSecondary:
		return plan.Primary.ID, e.attachMissing(ctx, plan)

	default:
		return 0, &InvariantViolation{Message: "unhandled scenario " + plan.Scenario.String()}
	}
}

// attachMissing records the new details of the observation as one secondary
func (e *Engine) attachMissing(ctx context.Context, plan Plan) error {
	if !plan.NeedsSecondary() {
		return nil
	}

	primaryID := plan.Primary.ID
	created, err := e.store.Create(ctx, plan.Missing.Email, plan.Missing.Phone, &primaryID, models.PrecedenceSecondary)
	if err != nil {
		return wrapStore("create", err)
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"contact_id": created.ID,
		"linked_id":  primaryID,
	}).Info("Linked new secondary contact")
	return nil
}

// Lookup returns the consolidated view of the group that contactID belongs to
func (e *Engine) Lookup(ctx context.Context, contactID int64) (*models.ConsolidatedView, error) {
	ctx, span := tracing.StartSpan(ctx, "reconcile.Engine.Lookup")
	defer span.End()
	tracing.Annotate(ctx, tracing.ContactIDKey.Int64(contactID))

	contact, err := e.store.Get(ctx, contactID)
	if err != nil {
		return nil, wrapStore("get", err)
	}
	return e.consolidate(ctx, contact.RootID())
}

// Stats returns the administrative aggregate over live contacts
func (e *Engine) Stats(ctx context.Context) (*models.ContactStats, error) {
	ctx, span := tracing.StartSpan(ctx, "reconcile.Engine.Stats")
	defer span.End()

	stats, err := e.store.Stats(ctx)
	if err != nil {
		return nil, wrapStore("stats", err)
	}
	return stats, nil
}
