package reconcile

import (
	"fmt"
	"sort"

	"github.com/Ramsey-B/iris/pkg/models"
)

// Scenario is the outcome of classifying an observation against the matched contacts
type Scenario int

const (
	// ScenarioNoMatch creates a new primary
	ScenarioNoMatch Scenario = iota
	// ScenarioExactDuplicate changes nothing
	ScenarioExactDuplicate
	// ScenarioMergePrimaries folds every colliding group into the most senior primary
	ScenarioMergePrimaries
	// ScenarioAttachToPrimary links missing details to a directly matched primary
	ScenarioAttachToPrimary
	// ScenarioAttachViaSecondary links missing details to the primary of matched secondaries
	ScenarioAttachViaSecondary
)

func (s Scenario) String() string {
	switch s {
	case ScenarioNoMatch:
		return "no_match"
	case ScenarioExactDuplicate:
		return "exact_duplicate"
	case ScenarioMergePrimaries:
		return "merge_primaries"
	case ScenarioAttachToPrimary:
		return "attach_to_primary"
	case ScenarioAttachViaSecondary:
		return "attach_via_secondary"
	default:
		return fmt.Sprintf("scenario(%d)", int(s))
	}
}

// ChainPolicy decides what happens when matched secondaries point at different primaries
type ChainPolicy string

const (
	// ChainPolicyMerge merges the referenced primaries by seniority
	ChainPolicyMerge ChainPolicy = "merge"
	// ChainPolicyReject fails with InvariantViolation
	ChainPolicyReject ChainPolicy = "reject"
)

// Plan is the mutation set chosen for one observation
type Plan struct {
	Scenario Scenario
	// Primary is the group root the observation resolves to. Nil for ScenarioNoMatch.
	Primary *models.Contact
	// Demote lists colliding primaries, most senior first, that lose their primary status
	Demote []models.Contact
	// Missing holds the observed values not present anywhere in the matched groups
	Missing Observation
}

// NeedsSecondary reports whether the plan must record new contact details
func (p Plan) NeedsSecondary() bool {
	return p.Scenario != ScenarioNoMatch && !p.Missing.Empty()
}

// Classify picks the scenario for obs. matches are the contacts sharing the email or phone;
// roots holds every primary those matches resolve to, keyed by id, including primaries that
// were only reachable through a secondary's linked id.
func Classify(obs Observation, matches []models.Contact, roots map[int64]models.Contact, policy ChainPolicy) (Plan, error) {
	if len(matches) == 0 {
		return Plan{Scenario: ScenarioNoMatch, Missing: obs}, nil
	}

	directPrimaries := map[int64]bool{}
	viaSecondaries := map[int64]bool{}
	for i := range matches {
		c := &matches[i]
		if c.IsPrimary() {
			directPrimaries[c.ID] = true
			continue
		}
		if c.LinkedID != nil {
			viaSecondaries[*c.LinkedID] = true
		}
	}

	if policy == ChainPolicyReject && len(viaSecondaries) > 1 {
		return Plan{}, &InvariantViolation{
			Message:    "matched secondaries reference different primaries",
			ContactIDs: sortedIDs(viaSecondaries),
		}
	}

	rootIDs := map[int64]bool{}
	for id := range directPrimaries {
		rootIDs[id] = true
	}
	for id := range viaSecondaries {
		rootIDs[id] = true
	}

	ordered := make([]models.Contact, 0, len(rootIDs))
	for id := range rootIDs {
		root, ok := roots[id]
		if !ok {
			return Plan{}, &InvariantViolation{Message: fmt.Sprintf("primary %d could not be resolved", id), ContactIDs: []int64{id}}
		}
		if !root.IsPrimary() {
			return Plan{}, &InvariantViolation{Message: fmt.Sprintf("contact %d is linked to but is not a primary", id), ContactIDs: []int64{id}}
		}
		ordered = append(ordered, root)
	}

	// Secondaries without a link and no matched primary leave nothing to attach to
	if len(ordered) == 0 {
		return Plan{Scenario: ScenarioNoMatch, Missing: obs}, nil
	}

	sort.Slice(ordered, func(i, j int) bool { return ordered[i].SeniorTo(&ordered[j]) })
	primary := ordered[0]
	missing := missingFields(obs, matches, ordered)

	plan := Plan{Primary: &primary, Missing: missing}
	switch {
	case len(ordered) > 1:
		plan.Scenario = ScenarioMergePrimaries
		plan.Demote = ordered[1:]
	case isExactDuplicate(obs, matches):
		plan.Scenario = ScenarioExactDuplicate
	case directPrimaries[primary.ID]:
		plan.Scenario = ScenarioAttachToPrimary
	default:
		plan.Scenario = ScenarioAttachViaSecondary
	}
	return plan, nil
}

func isExactDuplicate(obs Observation, matches []models.Contact) bool {
	if obs.Email == nil || obs.Phone == nil {
		return false
	}
	for i := range matches {
		c := &matches[i]
		if equalPtr(c.Email, obs.Email) && equalPtr(c.PhoneNumber, obs.Phone) {
			return true
		}
	}
	return false
}

func missingFields(obs Observation, matches []models.Contact, roots []models.Contact) Observation {
	emails := NewOrderedSet[string]()
	phones := NewOrderedSet[string]()
	for _, group := range [][]models.Contact{matches, roots} {
		for i := range group {
			if group[i].Email != nil {
				emails.Add(*group[i].Email)
			}
			if group[i].PhoneNumber != nil {
				phones.Add(*group[i].PhoneNumber)
			}
		}
	}

	var missing Observation
	if obs.Email != nil && !emails.Contains(*obs.Email) {
		missing.Email = obs.Email
	}
	if obs.Phone != nil && !phones.Contains(*obs.Phone) {
		missing.Phone = obs.Phone
	}
	return missing
}

func equalPtr(a, b *string) bool {
	return a != nil && b != nil && *a == *b
}

func sortedIDs(set map[int64]bool) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
