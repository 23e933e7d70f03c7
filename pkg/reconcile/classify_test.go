package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/iris/pkg/models"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func primary(id int64, email, phone string, age time.Duration) models.Contact {
	return models.Contact{
		ID:             id,
		Email:          optional(email),
		PhoneNumber:    optional(phone),
		LinkPrecedence: models.PrecedencePrimary,
		CreatedAt:      base.Add(age),
	}
}

func secondary(id, linkedID int64, email, phone string, age time.Duration) models.Contact {
	return models.Contact{
		ID:             id,
		Email:          optional(email),
		PhoneNumber:    optional(phone),
		LinkedID:       &linkedID,
		LinkPrecedence: models.PrecedenceSecondary,
		CreatedAt:      base.Add(age),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func rootsOf(contacts ...models.Contact) map[int64]models.Contact {
	roots := map[int64]models.Contact{}
	for _, c := range contacts {
		roots[c.ID] = c
	}
	return roots
}

func TestClassify(t *testing.T) {
	p1 := primary(1, "a@x.io", "1111111111", 0)
	p2 := primary(2, "b@x.io", "2222222222", time.Hour)
	s3 := secondary(3, 1, "c@x.io", "", 2*time.Hour)
	s4 := secondary(4, 2, "", "4444444444", 3*time.Hour)

	tests := []struct {
		name      string
		obs       Observation
		matches   []models.Contact
		roots     map[int64]models.Contact
		scenario  Scenario
		primaryID int64
		demoted   []int64
		missing   Observation
	}{
		{
			name:     "nothing matched",
			obs:      Observation{Email: strPtr("z@x.io")},
			scenario: ScenarioNoMatch,
			missing:  Observation{Email: strPtr("z@x.io")},
		},
		{
			name:      "exact duplicate of primary",
			obs:       Observation{Email: strPtr("a@x.io"), Phone: strPtr("1111111111")},
			matches:   []models.Contact{p1},
			roots:     rootsOf(p1),
			scenario:  ScenarioExactDuplicate,
			primaryID: 1,
		},
		{
			name:      "new email on matched primary",
			obs:       Observation{Email: strPtr("new@x.io"), Phone: strPtr("1111111111")},
			matches:   []models.Contact{p1},
			roots:     rootsOf(p1),
			scenario:  ScenarioAttachToPrimary,
			primaryID: 1,
			missing:   Observation{Email: strPtr("new@x.io")},
		},
		{
			name:      "subset of primary",
			obs:       Observation{Phone: strPtr("1111111111")},
			matches:   []models.Contact{p1},
			roots:     rootsOf(p1),
			scenario:  ScenarioAttachToPrimary,
			primaryID: 1,
		},
		{
			name:      "two primaries collide",
			obs:       Observation{Email: strPtr("b@x.io"), Phone: strPtr("1111111111")},
			matches:   []models.Contact{p1, p2},
			roots:     rootsOf(p1, p2),
			scenario:  ScenarioMergePrimaries,
			primaryID: 1,
			demoted:   []int64{2},
		},
		{
			name:      "match reaches primary through secondary",
			obs:       Observation{Email: strPtr("c@x.io"), Phone: strPtr("9999999999")},
			matches:   []models.Contact{s3},
			roots:     rootsOf(p1),
			scenario:  ScenarioAttachViaSecondary,
			primaryID: 1,
			missing:   Observation{Phone: strPtr("9999999999")},
		},
		{
			name:      "values known to the group through its root",
			obs:       Observation{Email: strPtr("c@x.io"), Phone: strPtr("1111111111")},
			matches:   []models.Contact{p1, s3},
			roots:     rootsOf(p1),
			scenario:  ScenarioAttachToPrimary,
			primaryID: 1,
		},
		{
			name:      "secondaries of different primaries merge",
			obs:       Observation{Email: strPtr("c@x.io"), Phone: strPtr("4444444444")},
			matches:   []models.Contact{s3, s4},
			roots:     rootsOf(p1, p2),
			scenario:  ScenarioMergePrimaries,
			primaryID: 1,
			demoted:   []int64{2},
		},
		{
			name:      "younger primary matched directly still loses",
			obs:       Observation{Email: strPtr("b@x.io"), Phone: strPtr("5555555555")},
			matches:   []models.Contact{p2, secondary(5, 1, "", "5555555555", 4*time.Hour)},
			roots:     rootsOf(p1, p2),
			scenario:  ScenarioMergePrimaries,
			primaryID: 1,
			demoted:   []int64{2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Classify(tt.obs, tt.matches, tt.roots, ChainPolicyMerge)
			require.NoError(t, err)

			assert.Equal(t, tt.scenario, plan.Scenario)
			if tt.primaryID == 0 {
				assert.Nil(t, plan.Primary)
			} else {
				require.NotNil(t, plan.Primary)
				assert.Equal(t, tt.primaryID, plan.Primary.ID)
			}

			demoted := []int64{}
			for _, c := range plan.Demote {
				demoted = append(demoted, c.ID)
			}
			if tt.demoted == nil {
				tt.demoted = []int64{}
			}
			assert.Equal(t, tt.demoted, demoted)
			assert.Equal(t, tt.missing, plan.Missing)
		})
	}
}

func TestClassify_MergeOrdersDemotedBySeniority(t *testing.T) {
	p1 := primary(1, "a@x.io", "", 2*time.Hour)
	p2 := primary(2, "b@x.io", "", 0)
	p3 := primary(3, "", "3333333333", time.Hour)

	plan, err := Classify(
		Observation{Email: strPtr("a@x.io"), Phone: strPtr("3333333333")},
		[]models.Contact{p2, p3, p1, secondary(4, 2, "a@x.io", "", 3*time.Hour)},
		rootsOf(p1, p2, p3),
		ChainPolicyMerge,
	)
	require.NoError(t, err)

	assert.Equal(t, ScenarioMergePrimaries, plan.Scenario)
	assert.Equal(t, int64(2), plan.Primary.ID)
	require.Len(t, plan.Demote, 2)
	assert.Equal(t, int64(3), plan.Demote[0].ID)
	assert.Equal(t, int64(1), plan.Demote[1].ID)
	assert.False(t, plan.NeedsSecondary())
}

func TestClassify_RejectPolicy(t *testing.T) {
	p1 := primary(1, "a@x.io", "", 0)
	p2 := primary(2, "b@x.io", "", time.Hour)
	matches := []models.Contact{
		secondary(3, 1, "c@x.io", "", 2*time.Hour),
		secondary(4, 2, "", "4444444444", 3*time.Hour),
	}

	_, err := Classify(Observation{Email: strPtr("c@x.io"), Phone: strPtr("4444444444")}, matches, rootsOf(p1, p2), ChainPolicyReject)

	var violation *InvariantViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, []int64{1, 2}, violation.ContactIDs)
}

func TestClassify_RejectPolicyAllowsPlainCollision(t *testing.T) {
	p1 := primary(1, "a@x.io", "", 0)
	p2 := primary(2, "", "2222222222", time.Hour)

	plan, err := Classify(Observation{Email: strPtr("a@x.io"), Phone: strPtr("2222222222")}, []models.Contact{p1, p2}, rootsOf(p1, p2), ChainPolicyReject)
	require.NoError(t, err)
	assert.Equal(t, ScenarioMergePrimaries, plan.Scenario)
}

func TestClassify_UnresolvableRoot(t *testing.T) {
	_, err := Classify(Observation{Email: strPtr("c@x.io")}, []models.Contact{secondary(3, 1, "c@x.io", "", 0)}, rootsOf(), ChainPolicyMerge)

	var violation *InvariantViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, []int64{1}, violation.ContactIDs)
}

func TestClassify_RootIsNotPrimary(t *testing.T) {
	chained := secondary(1, 9, "a@x.io", "", 0)
	_, err := Classify(Observation{Email: strPtr("c@x.io")}, []models.Contact{secondary(3, 1, "c@x.io", "", time.Hour)}, rootsOf(chained), ChainPolicyMerge)

	var violation *InvariantViolation
	require.ErrorAs(t, err, &violation)
}

func TestScenarioString(t *testing.T) {
	assert.Equal(t, "no_match", ScenarioNoMatch.String())
	assert.Equal(t, "exact_duplicate", ScenarioExactDuplicate.String())
	assert.Equal(t, "merge_primaries", ScenarioMergePrimaries.String())
	assert.Equal(t, "attach_to_primary", ScenarioAttachToPrimary.String())
	assert.Equal(t, "attach_via_secondary", ScenarioAttachViaSecondary.String())
	assert.Equal(t, "scenario(42)", Scenario(42).String())
}
