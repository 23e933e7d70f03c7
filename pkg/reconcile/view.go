package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/Ramsey-B/iris/pkg/models"
)

func (e *Engine) consolidate(ctx context.Context, primaryID int64) (*models.ConsolidatedView, error) {
	members, err := e.store.GroupMembers(ctx, primaryID)
	if err != nil {
		return nil, wrapStore("group_members", err)
	}
	return BuildView(primaryID, members)
}

// BuildView deduplicates a group's members into its consolidated view. Values keep their
// first-seen order: primary first, then secondaries by creation.
func BuildView(primaryID int64, members []models.Contact) (*models.ConsolidatedView, error) {
	ordered := make([]models.Contact, len(members))
	copy(ordered, members)
	sort.SliceStable(ordered, func(i, j int) bool {
		if (ordered[i].ID == primaryID) != (ordered[j].ID == primaryID) {
			return ordered[i].ID == primaryID
		}
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	if len(ordered) == 0 || ordered[0].ID != primaryID {
		return nil, &InvariantViolation{Message: fmt.Sprintf("group %d has no live primary", primaryID), ContactIDs: []int64{primaryID}}
	}
	if !ordered[0].IsPrimary() {
		return nil, &InvariantViolation{Message: fmt.Sprintf("contact %d is not a primary", primaryID), ContactIDs: []int64{primaryID}}
	}

	emails := NewOrderedSet[string]()
	phones := NewOrderedSet[string]()
	secondaries := []int64{}
	for i := range ordered {
		c := &ordered[i]
		if c.Email != nil {
			emails.Add(*c.Email)
		}
		if c.PhoneNumber != nil {
			phones.Add(*c.PhoneNumber)
		}
		if c.ID == primaryID {
			continue
		}
		if c.LinkedID == nil || *c.LinkedID != primaryID {
			return nil, &InvariantViolation{Message: fmt.Sprintf("contact %d is not linked to primary %d", c.ID, primaryID), ContactIDs: []int64{c.ID}}
		}
		secondaries = append(secondaries, c.ID)
	}

	return &models.ConsolidatedView{
		PrimaryContactID:    primaryID,
		Emails:              emails.Values(),
		PhoneNumbers:        phones.Values(),
		SecondaryContactIDs: secondaries,
	}, nil
}
