package reconcile

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/iris/pkg/memstore"
	"github.com/Ramsey-B/iris/pkg/metrics"
	"github.com/Ramsey-B/iris/pkg/models"
)

func strPtr(s string) *string { return &s }

func getTestLogger() ectologger.Logger {
	return zapadapter.NewZapEctoLogger(zap.NewNop(), nil)
}

func tickingClock() func() time.Time {
	current := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *memstore.Store) {
	t.Helper()
	store := memstore.New(memstore.WithClock(tickingClock()))
	validator, err := NewValidator(DefaultPhonePattern)
	require.NoError(t, err)
	return NewEngine(store, validator, getTestLogger(), opts...), store
}

func identify(t *testing.T, e *Engine, email, phone string) *models.ConsolidatedView {
	t.Helper()
	var emailPtr, phonePtr *string
	if email != "" {
		emailPtr = &email
	}
	if phone != "" {
		phonePtr = &phone
	}
	view, err := e.Identify(context.Background(), emailPtr, phonePtr)
	require.NoError(t, err)
	return view
}

// assertFlat checks every secondary links directly to a live primary and each group has one primary
func assertFlat(t *testing.T, store *memstore.Store) {
	t.Helper()
	byID := map[int64]models.Contact{}
	for _, c := range store.All() {
		byID[c.ID] = c
	}
	for _, c := range byID {
		if c.IsPrimary() {
			assert.Nil(t, c.LinkedID, "primary %d has a link", c.ID)
			continue
		}
		require.NotNil(t, c.LinkedID, "secondary %d has no link", c.ID)
		root, ok := byID[*c.LinkedID]
		require.True(t, ok, "secondary %d links to missing %d", c.ID, *c.LinkedID)
		assert.True(t, root.IsPrimary(), "secondary %d links to secondary %d", c.ID, root.ID)
	}
}

func TestIdentify_NoMatchCreatesPrimary(t *testing.T) {
	e, store := newTestEngine(t)

	view := identify(t, e, "lorraine@hillvalley.edu", "1234567890")

	assert.Equal(t, int64(1), view.PrimaryContactID)
	assert.Equal(t, []string{"lorraine@hillvalley.edu"}, view.Emails)
	assert.Equal(t, []string{"1234567890"}, view.PhoneNumbers)
	assert.Equal(t, []int64{}, view.SecondaryContactIDs)
	assert.Len(t, store.All(), 1)
}

func TestIdentify_AttachToPrimary(t *testing.T) {
	e, store := newTestEngine(t)

	identify(t, e, "lorraine@hillvalley.edu", "1234567890")
	view := identify(t, e, "mcfly@hillvalley.edu", "1234567890")

	assert.Equal(t, int64(1), view.PrimaryContactID)
	assert.Equal(t, []string{"lorraine@hillvalley.edu", "mcfly@hillvalley.edu"}, view.Emails)
	assert.Equal(t, []string{"1234567890"}, view.PhoneNumbers)
	assert.Equal(t, []int64{2}, view.SecondaryContactIDs)

	secondary, err := store.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "mcfly@hillvalley.edu", *secondary.Email)
	assert.Nil(t, secondary.PhoneNumber, "secondary holds only the new detail")
	assertFlat(t, store)
}

func TestIdentify_ExactDuplicateIsIdempotent(t *testing.T) {
	e, store := newTestEngine(t)

	identify(t, e, "lorraine@hillvalley.edu", "1234567890")
	identify(t, e, "mcfly@hillvalley.edu", "1234567890")
	before := store.All()

	first := identify(t, e, "lorraine@hillvalley.edu", "1234567890")
	second := identify(t, e, "lorraine@hillvalley.edu", "1234567890")

	assert.Equal(t, first, second)
	assert.Equal(t, before, store.All())
}

func TestIdentify_SubsetQueriesReturnSameView(t *testing.T) {
	e, store := newTestEngine(t)

	identify(t, e, "lorraine@hillvalley.edu", "1234567890")
	full := identify(t, e, "mcfly@hillvalley.edu", "1234567890")
	count := len(store.All())

	for _, q := range []struct{ email, phone string }{
		{"", "1234567890"},
		{"lorraine@hillvalley.edu", ""},
		{"mcfly@hillvalley.edu", ""},
		{"lorraine@hillvalley.edu", "1234567890"},
	} {
		assert.Equal(t, full, identify(t, e, q.email, q.phone), "query %+v", q)
	}
	assert.Len(t, store.All(), count, "subset queries must not write")
}

func TestIdentify_MergePrimaries(t *testing.T) {
	e, store := newTestEngine(t)

	identify(t, e, "george@hillvalley.edu", "9191919191")
	identify(t, e, "biffsucks@hillvalley.edu", "7171717171")

	view := identify(t, e, "george@hillvalley.edu", "7171717171")

	assert.Equal(t, int64(1), view.PrimaryContactID)
	assert.Equal(t, []string{"george@hillvalley.edu", "biffsucks@hillvalley.edu"}, view.Emails)
	assert.Equal(t, []string{"9191919191", "7171717171"}, view.PhoneNumbers)
	assert.Equal(t, []int64{2}, view.SecondaryContactIDs)
	assert.Len(t, store.All(), 2, "both values already known so nothing new is recorded")

	demoted, err := store.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.False(t, demoted.IsPrimary())
	assert.Equal(t, int64(1), *demoted.LinkedID)
	assertFlat(t, store)
}

func TestIdentify_MergeMovesSecondariesOfDemotedPrimary(t *testing.T) {
	e, store := newTestEngine(t)

	identify(t, e, "a@x.io", "1111111111")         // 1
	identify(t, e, "b@x.io", "2222222222")         // 2
	identify(t, e, "c@x.io", "2222222222")         // 3 -> 2
	view := identify(t, e, "a@x.io", "2222222222") // merge 2 into 1
	again := identify(t, e, "c@x.io", "")          // reach the group through a moved secondary

	assert.Equal(t, int64(1), view.PrimaryContactID)
	assert.Equal(t, []int64{2, 3}, view.SecondaryContactIDs)
	assert.Equal(t, view, again)
	assertFlat(t, store)

	moved, err := store.Get(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), *moved.LinkedID)
}

func TestIdentify_MergeWithoutNewDetail(t *testing.T) {
	e, store := newTestEngine(t)

	identify(t, e, "a@x.io", "")
	identify(t, e, "", "2222222222")

	// email matches group 1, phone matches group 2, both already present: merge only
	view := identify(t, e, "a@x.io", "2222222222")
	assert.Equal(t, []int64{2}, view.SecondaryContactIDs)
	assert.Len(t, store.All(), 2)
}

func TestIdentify_SeniorityTieBreaksOnLowestID(t *testing.T) {
	store := memstore.New(memstore.WithClock(func() time.Time {
		return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}))
	validator, err := NewValidator(DefaultPhonePattern)
	require.NoError(t, err)
	e := NewEngine(store, validator, getTestLogger())

	identify(t, e, "a@x.io", "1111111111")
	identify(t, e, "b@x.io", "2222222222")
	view := identify(t, e, "b@x.io", "1111111111")

	assert.Equal(t, int64(1), view.PrimaryContactID)
}

func TestIdentify_MergeIsOrderIndependent(t *testing.T) {
	build := func(order [][2]string) *models.ConsolidatedView {
		e, _ := newTestEngine(t)
		var last *models.ConsolidatedView
		for _, o := range order {
			last = identify(t, e, o[0], o[1])
		}
		return last
	}

	forward := build([][2]string{{"a@x.io", "1111111111"}, {"b@x.io", "2222222222"}, {"a@x.io", "2222222222"}})
	reverse := build([][2]string{{"a@x.io", "1111111111"}, {"b@x.io", "2222222222"}, {"b@x.io", "1111111111"}})

	assert.Equal(t, forward.PrimaryContactID, reverse.PrimaryContactID)
	assert.ElementsMatch(t, forward.Emails, reverse.Emails)
	assert.ElementsMatch(t, forward.PhoneNumbers, reverse.PhoneNumbers)
	assert.ElementsMatch(t, forward.SecondaryContactIDs, reverse.SecondaryContactIDs)
}

func TestIdentify_AttachViaSecondary(t *testing.T) {
	e, store := newTestEngine(t)

	identify(t, e, "a@x.io", "1111111111") // 1
	identify(t, e, "b@x.io", "1111111111") // 2 -> 1

	view := identify(t, e, "b@x.io", "3333333333")

	assert.Equal(t, int64(1), view.PrimaryContactID)
	assert.Equal(t, []string{"a@x.io", "b@x.io"}, view.Emails)
	assert.Equal(t, []string{"1111111111", "3333333333"}, view.PhoneNumbers)
	assert.Equal(t, []int64{2, 3}, view.SecondaryContactIDs)

	created, err := store.Get(context.Background(), 3)
	require.NoError(t, err)
	assert.Nil(t, created.Email)
	assert.Equal(t, "3333333333", *created.PhoneNumber)
	assert.Equal(t, int64(1), *created.LinkedID)
	assertFlat(t, store)
}

func TestIdentify_DivergentSecondaries(t *testing.T) {
	seed := func(store *memstore.Store) {
		at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		one, two := int64(1), int64(2)
		store.Put(models.Contact{ID: 1, Email: strPtr("p1@x.io"), LinkPrecedence: models.PrecedencePrimary, CreatedAt: at, UpdatedAt: at})
		store.Put(models.Contact{ID: 2, Email: strPtr("p2@x.io"), LinkPrecedence: models.PrecedencePrimary, CreatedAt: at.Add(time.Hour), UpdatedAt: at})
		store.Put(models.Contact{ID: 3, Email: strPtr("s@x.io"), LinkedID: &one, LinkPrecedence: models.PrecedenceSecondary, CreatedAt: at.Add(2 * time.Hour), UpdatedAt: at})
		store.Put(models.Contact{ID: 4, PhoneNumber: strPtr("4444444444"), LinkedID: &two, LinkPrecedence: models.PrecedenceSecondary, CreatedAt: at.Add(3 * time.Hour), UpdatedAt: at})
	}

	t.Run("merge policy folds both groups", func(t *testing.T) {
		e, store := newTestEngine(t)
		seed(store)

		view := identify(t, e, "s@x.io", "4444444444")
		assert.Equal(t, int64(1), view.PrimaryContactID)
		assert.Equal(t, []int64{2, 3, 4}, view.SecondaryContactIDs)
		assertFlat(t, store)
	})

	t.Run("reject policy refuses", func(t *testing.T) {
		e, store := newTestEngine(t, WithChainPolicy(ChainPolicyReject))
		seed(store)
		before := store.All()

		_, err := e.Identify(context.Background(), strPtr("s@x.io"), strPtr("4444444444"))
		var violation *InvariantViolation
		require.ErrorAs(t, err, &violation)
		assert.Equal(t, []int64{1, 2}, violation.ContactIDs)
		assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(ToHTTPError(err)))
		assert.Equal(t, before, store.All())
	})
}

func TestIdentify_ValidationErrors(t *testing.T) {
	e, store := newTestEngine(t)

	tests := []struct {
		name  string
		email *string
		phone *string
		field string
	}{
		{name: "both absent", field: "contact"},
		{name: "both empty", email: strPtr(""), phone: strPtr(""), field: "contact"},
		{name: "short phone", phone: strPtr("12345"), field: "phoneNumber"},
		{name: "letters in phone", phone: strPtr("12345abcde"), field: "phoneNumber"},
		{name: "bad email", email: strPtr("not-an-email"), field: "email"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Identify(context.Background(), tt.email, tt.phone)
			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.field, validationErr.Field)
			assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(ToHTTPError(err)))
		})
	}
	assert.Empty(t, store.All(), "rejected input must not write")
}

func TestIdentify_EmptyStringIsAbsent(t *testing.T) {
	e, store := newTestEngine(t)

	identify(t, e, "a@x.io", "")
	view, err := e.Identify(context.Background(), strPtr("a@x.io"), strPtr(""))
	require.NoError(t, err)

	assert.Equal(t, []string{}, view.PhoneNumbers)
	assert.Len(t, store.All(), 1)
}

func TestIdentify_ViewHasNoDuplicates(t *testing.T) {
	e, _ := newTestEngine(t)

	identify(t, e, "a@x.io", "1111111111")
	identify(t, e, "b@x.io", "1111111111")
	identify(t, e, "a@x.io", "2222222222")
	view := identify(t, e, "b@x.io", "2222222222")

	assert.Equal(t, []string{"a@x.io", "b@x.io"}, view.Emails)
	assert.Equal(t, []string{"1111111111", "2222222222"}, view.PhoneNumbers)
}

// failingStore fails the nth mutation
type failingStore struct {
	*memstore.Store
	failOn int
	calls  int
}

var errInjected = errors.New("injected failure")

func (f *failingStore) tick() error {
	f.calls++
	if f.calls == f.failOn {
		return errInjected
	}
	return nil
}

func (f *failingStore) UpdateLink(ctx context.Context, id int64, linkedID *int64, precedence models.Precedence) (*models.Contact, error) {
	if err := f.tick(); err != nil {
		return nil, err
	}
	return f.Store.UpdateLink(ctx, id, linkedID, precedence)
}

func (f *failingStore) RelinkGroup(ctx context.Context, fromPrimaryID, toPrimaryID int64) (int64, error) {
	if err := f.tick(); err != nil {
		return 0, err
	}
	return f.Store.RelinkGroup(ctx, fromPrimaryID, toPrimaryID)
}

func TestIdentify_FailedMergeLeavesNoPartialState(t *testing.T) {
	mem := memstore.New(memstore.WithClock(tickingClock()))
	validator, err := NewValidator(DefaultPhonePattern)
	require.NoError(t, err)
	seedEngine := NewEngine(mem, validator, getTestLogger())
	identify(t, seedEngine, "a@x.io", "1111111111")
	identify(t, seedEngine, "b@x.io", "2222222222")
	identify(t, seedEngine, "c@x.io", "2222222222")
	before := mem.All()

	// the demotion succeeds, the relink of its secondaries fails
	store := &failingStore{Store: mem, failOn: 2}
	e := NewEngine(store, validator, getTestLogger())

	_, err = e.Identify(context.Background(), strPtr("a@x.io"), strPtr("2222222222"))
	require.ErrorIs(t, err, errInjected)

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "relink_group", storeErr.Op)
	assert.Equal(t, "store", ErrorKind(err))
	assert.Equal(t, http.StatusInternalServerError, httperror.GetStatusCode(ToHTTPError(err)))
	assert.Equal(t, before, mem.All())
}

type recordingLocker struct {
	keys       [][]string
	released   int
	releaseErr error
	err        error
}

func (l *recordingLocker) LockKeys(ctx context.Context, keys []string) (func(ctx context.Context), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.keys = append(l.keys, keys)
	return func(ctx context.Context) {
		l.released++
		l.releaseErr = ctx.Err()
	}, nil
}

func TestIdentify_UsesLocker(t *testing.T) {
	locker := &recordingLocker{}
	e, _ := newTestEngine(t, WithLocker(locker))

	identify(t, e, "a@x.io", "1111111111")

	require.Len(t, locker.keys, 1)
	assert.Equal(t, []string{"email:a@x.io", "phone:1111111111"}, locker.keys[0])
	assert.Equal(t, 1, locker.released)
}

// cancellingStore cancels the caller's context while the unit is running
type cancellingStore struct {
	*memstore.Store
	cancel context.CancelFunc
}

func (c *cancellingStore) Atomically(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	err := c.Store.Atomically(ctx, keys, fn)
	c.cancel()
	return err
}

func TestIdentify_ReleasesLockAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	validator, err := NewValidator(DefaultPhonePattern)
	require.NoError(t, err)
	locker := &recordingLocker{}
	store := &cancellingStore{Store: memstore.New(), cancel: cancel}
	e := NewEngine(store, validator, getTestLogger(), WithLocker(locker))

	_, err = e.Identify(ctx, strPtr("a@x.io"), nil)
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	assert.Equal(t, 1, locker.released)
	assert.NoError(t, locker.releaseErr)
}

func TestIdentify_LockFailure(t *testing.T) {
	locker := &recordingLocker{err: errors.New("redis down")}
	e, store := newTestEngine(t, WithLocker(locker))

	_, err := e.Identify(context.Background(), strPtr("a@x.io"), nil)
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "lock", storeErr.Op)
	assert.Empty(t, store.All())
}

func TestLookup(t *testing.T) {
	e, _ := newTestEngine(t)

	identify(t, e, "a@x.io", "1111111111")
	full := identify(t, e, "b@x.io", "1111111111")

	fromPrimary, err := e.Lookup(context.Background(), 1)
	require.NoError(t, err)
	fromSecondary, err := e.Lookup(context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, full, fromPrimary)
	assert.Equal(t, full, fromSecondary)

	_, err = e.Lookup(context.Background(), 99)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(ToHTTPError(err)))
}

func TestStats(t *testing.T) {
	e, _ := newTestEngine(t)

	identify(t, e, "a@x.io", "1111111111")
	identify(t, e, "b@x.io", "1111111111")
	identify(t, e, "c@x.io", "3333333333")

	stats, err := e.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.Primary)
	assert.Equal(t, int64(1), stats.Secondary)
	assert.NotNil(t, stats.LastUpdatedAt)
}

func TestIdentify_SecondaryWithMissingPrimary(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	identify(t, e, "a@x.io", "1111111111")
	identify(t, e, "b@x.io", "1111111111")
	require.NoError(t, store.Tombstone(ctx, 1))

	_, err := e.Identify(ctx, strPtr("b@x.io"), nil)

	var violation *InvariantViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, []int64{1}, violation.ContactIDs)
	assert.Equal(t, "invariant", ErrorKind(err))
	assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(ToHTTPError(err)))
}

var errSerialization = errors.New("could not serialize access")

// replayingStore aborts the first attempt of every unit after it ran, like a
// serialization failure that the database runner retries
type replayingStore struct {
	*memstore.Store
	attempts int
}

func (r *replayingStore) Atomically(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	r.attempts++
	err := r.Store.Atomically(ctx, keys, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return err
		}
		return errSerialization
	})
	if !errors.Is(err, errSerialization) {
		return err
	}
	r.attempts++
	return r.Store.Atomically(ctx, keys, fn)
}

func TestIdentify_RetriedUnitCountsMutationsOnce(t *testing.T) {
	mem := memstore.New(memstore.WithClock(tickingClock()))
	validator, err := NewValidator(DefaultPhonePattern)
	require.NoError(t, err)
	store := &replayingStore{Store: mem}
	e := NewEngine(store, validator, getTestLogger())

	primaries := metrics.ContactsCreatedTotal.WithLabelValues(string(models.PrecedencePrimary))
	secondaries := metrics.ContactsCreatedTotal.WithLabelValues(string(models.PrecedenceSecondary))

	before := testutil.ToFloat64(primaries)
	identify(t, e, "a@x.io", "1111111111")
	identify(t, e, "b@x.io", "2222222222")
	assert.Equal(t, before+2, testutil.ToFloat64(primaries))
	assert.Equal(t, 4, store.attempts)

	beforeSecondaries := testutil.ToFloat64(secondaries)
	identify(t, e, "c@x.io", "1111111111")
	assert.Equal(t, beforeSecondaries+1, testutil.ToFloat64(secondaries))

	beforeMerges := testutil.ToFloat64(metrics.MergesTotal)
	beforeSecondaries = testutil.ToFloat64(secondaries)
	view := identify(t, e, "a@x.io", "2222222222")
	assert.Equal(t, beforeMerges+1, testutil.ToFloat64(metrics.MergesTotal))
	assert.Equal(t, beforeSecondaries, testutil.ToFloat64(secondaries))
	assert.Len(t, view.SecondaryContactIDs, 2)
	assertFlat(t, mem)
}

func TestIdentify_FailedUnitCountsNoMutations(t *testing.T) {
	mem := memstore.New(memstore.WithClock(tickingClock()))
	validator, err := NewValidator(DefaultPhonePattern)
	require.NoError(t, err)
	seedEngine := NewEngine(mem, validator, getTestLogger())
	identify(t, seedEngine, "a@x.io", "1111111111")
	identify(t, seedEngine, "b@x.io", "2222222222")

	e := NewEngine(&failingStore{Store: mem, failOn: 2}, validator, getTestLogger())
	beforeMerges := testutil.ToFloat64(metrics.MergesTotal)

	_, err = e.Identify(context.Background(), strPtr("a@x.io"), strPtr("2222222222"))
	require.ErrorIs(t, err, errInjected)
	assert.Equal(t, beforeMerges, testutil.ToFloat64(metrics.MergesTotal))
}
