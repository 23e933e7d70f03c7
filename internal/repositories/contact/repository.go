package contact

import (
	"context"
	"database/sql"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/iris/pkg/database"
	"github.com/Ramsey-B/iris/pkg/metrics"
	"github.com/Ramsey-B/iris/pkg/models"
	"github.com/Ramsey-B/iris/pkg/tracing"
)

const table = "contacts"

// columns in schema order
var columns = []string{"id", "email", "phone_number", "linked_id", "link_precedence", "created_at", "updated_at", "deleted_at"}

// Repository handles contact persistence in PostgreSQL
type Repository struct {
	db         database.DB
	logger     ectologger.Logger
	maxRetries int
	now        func() time.Time
}

// NewRepository creates a new contact repository. maxRetries bounds how often a
// serializable transaction is replayed after a conflict.
func NewRepository(db database.DB, logger ectologger.Logger, maxRetries int) *Repository {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Repository{
		db:         db,
		logger:     logger,
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// FindByEmailOrPhone returns live contacts whose email or phone equals the given values, oldest first
func (r *Repository) FindByEmailOrPhone(ctx context.Context, email, phone *string) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindByEmailOrPhone")
	defer span.End()

	if email == nil && phone == nil {
		return []models.Contact{}, nil
	}

	query, args := buildFindByEmailOrPhone(email, phone)
	contacts := []models.Contact{}
	if err := r.db.QuerierFor(ctx).SelectContext(ctx, &contacts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to find contacts by email or phone")
		return nil, errors.Wrap(err, "failed to find contacts")
	}
	return contacts, nil
}

// Get retrieves a live contact by id
func (r *Repository) Get(ctx context.Context, id int64) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Get")
	defer span.End()

	query, args := buildGet(id)
	var c models.Contact
	if err := r.db.QuerierFor(ctx).GetContext(ctx, &c, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "contact %d not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id}).Error("Failed to get contact")
		return nil, errors.Wrap(err, "failed to get contact")
	}
	return &c, nil
}

// Create inserts a contact and returns it with its assigned id and timestamps
func (r *Repository) Create(ctx context.Context, email, phone *string, linkedID *int64, precedence models.Precedence) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Create")
	defer span.End()

	query, args := buildCreate(email, phone, linkedID, precedence, r.now())
	var c models.Contact
	if err := r.db.QuerierFor(ctx).GetContext(ctx, &c, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create contact")
		return nil, errors.Wrap(err, "failed to create contact")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": c.ID, "link_precedence": c.LinkPrecedence}).Debug("Created contact")
	return &c, nil
}

// UpdateLink sets a contact's linked id and precedence
func (r *Repository) UpdateLink(ctx context.Context, id int64, linkedID *int64, precedence models.Precedence) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.UpdateLink")
	defer span.End()

	query, args := buildUpdateLink(id, linkedID, precedence, r.now())
	var c models.Contact
	if err := r.db.QuerierFor(ctx).GetContext(ctx, &c, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "contact %d not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id}).Error("Failed to update contact link")
		return nil, errors.Wrap(err, "failed to update contact link")
	}
	return &c, nil
}

// RelinkGroup moves every secondary of fromPrimaryID under toPrimaryID
func (r *Repository) RelinkGroup(ctx context.Context, fromPrimaryID, toPrimaryID int64) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.RelinkGroup")
	defer span.End()

	query, args := buildRelinkGroup(fromPrimaryID, toPrimaryID, r.now())
	result, err := r.db.QuerierFor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"from": fromPrimaryID, "to": toPrimaryID}).Error("Failed to relink group")
		return 0, errors.Wrap(err, "failed to relink group")
	}

	moved, _ := result.RowsAffected()
	return moved, nil
}

// GroupMembers returns the primary and its secondaries, primary first then oldest first
func (r *Repository) GroupMembers(ctx context.Context, primaryID int64) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.GroupMembers")
	defer span.End()

	query, args := buildGroupMembers(primaryID)
	members := []models.Contact{}
	if err := r.db.QuerierFor(ctx).SelectContext(ctx, &members, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"primary_id": primaryID}).Error("Failed to get group members")
		return nil, errors.Wrap(err, "failed to get group members")
	}
	return members, nil
}

// Stats aggregates live contacts for monitoring
func (r *Repository) Stats(ctx context.Context) (*models.ContactStats, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Stats")
	defer span.End()

	query, args := buildStats()
	var stats models.ContactStats
	if err := r.db.QuerierFor(ctx).GetContext(ctx, &stats, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get contact stats")
		return nil, errors.Wrap(err, "failed to get contact stats")
	}
	return &stats, nil
}

// Atomically runs fn in a serializable transaction holding an advisory lock per key.
// Serialization failures and deadlocks replay fn from the start.
func (r *Repository) Atomically(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Atomically")
	defer span.End()

	// Joined transactions are retried by their opener
	if database.TxFromContext(ctx) != nil {
		if err := r.lockKeys(ctx, keys); err != nil {
			return err
		}
		return fn(ctx)
	}

	opts := &sql.TxOptions{Isolation: sql.LevelSerializable}
	var err error
	for attempt := 0; ; attempt++ {
		err = database.RunInTx(ctx, r.logger, r.db, opts, func(txCtx context.Context) error {
			if err := r.lockKeys(txCtx, keys); err != nil {
				return err
			}
			return fn(txCtx)
		})
		if err == nil || !database.IsRetryable(err) || attempt >= r.maxRetries {
			return err
		}

		metrics.TxRetriesTotal.Inc()
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"attempt": attempt + 1}).Warn("Retrying contact transaction after conflict")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff(attempt)):
		}
	}
}

func (r *Repository) lockKeys(ctx context.Context, keys []string) error {
	for _, key := range sortedUnique(keys) {
		if _, err := r.db.QuerierFor(ctx).ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
			return errors.Wrapf(err, "failed to lock key %s", key)
		}
	}
	return nil
}

func retryBackoff(attempt int) time.Duration {
	backoff := time.Duration(1<<attempt) * 5 * time.Millisecond
	if backoff > 200*time.Millisecond {
		backoff = 200 * time.Millisecond
	}
	return backoff
}

func sortedUnique(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := map[string]bool{}
	for _, key := range keys {
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

func buildFindByEmailOrPhone(email, phone *string) (string, []any) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)

	var matches []string
	if email != nil {
		matches = append(matches, sb.Equal("email", *email))
	}
	if phone != nil {
		matches = append(matches, sb.Equal("phone_number", *phone))
	}
	sb.Where(sb.Or(matches...), sb.IsNull("deleted_at"))
	sb.OrderBy("created_at ASC", "id ASC")
	return sb.Build()
}

func buildGet(id int64) (string, []any) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(sb.Equal("id", id), sb.IsNull("deleted_at"))
	return sb.Build()
}

func buildCreate(email, phone *string, linkedID *int64, precedence models.Precedence, now time.Time) (string, []any) {
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(table)
	ib.Cols("email", "phone_number", "linked_id", "link_precedence", "created_at", "updated_at")
	ib.Values(email, phone, linkedID, string(precedence), now, now)
	query, args := ib.Build()
	return query + " RETURNING " + strings.Join(columns, ", "), args
}

func buildUpdateLink(id int64, linkedID *int64, precedence models.Precedence, now time.Time) (string, []any) {
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("linked_id", linkedID),
		ub.Assign("link_precedence", string(precedence)),
		ub.Assign("updated_at", now),
	)
	ub.Where(ub.Equal("id", id), ub.IsNull("deleted_at"))
	query, args := ub.Build()
	return query + " RETURNING " + strings.Join(columns, ", "), args
}

func buildRelinkGroup(fromPrimaryID, toPrimaryID int64, now time.Time) (string, []any) {
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(table)
	ub.Set(
		ub.Assign("linked_id", toPrimaryID),
		ub.Assign("updated_at", now),
	)
	ub.Where(ub.Equal("linked_id", fromPrimaryID), ub.IsNull("deleted_at"))
	return ub.Build()
}

func buildGroupMembers(primaryID int64) (string, []any) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(table)
	sb.Where(
		sb.Or(sb.Equal("id", primaryID), sb.Equal("linked_id", primaryID)),
		sb.IsNull("deleted_at"),
	)
	sb.OrderBy("(link_precedence = 'primary') DESC", "created_at ASC", "id ASC")
	return sb.Build()
}

func buildStats() (string, []any) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(
		"COUNT(*) AS total",
		"COUNT(*) FILTER (WHERE link_precedence = 'primary') AS primary_count",
		"COUNT(*) FILTER (WHERE link_precedence = 'secondary') AS secondary_count",
		"MAX(updated_at) AS last_updated_at",
	)
	sb.From(table)
	sb.Where(sb.IsNull("deleted_at"))
	return sb.Build()
}
