package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Precedence marks a contact as the canonical record of its identity group or as a supplementary one
type Precedence string

const (
	PrecedencePrimary   Precedence = "primary"
	PrecedenceSecondary Precedence = "secondary"
)

// Scan implements sql.Scanner
func (p *Precedence) Scan(src any) error {
	switch v := src.(type) {
	case string:
		*p = Precedence(v)
	case []byte:
		*p = Precedence(v)
	default:
		return fmt.Errorf("Precedence.Scan: unexpected type %T", src)
	}
	return nil
}

// Value implements driver.Valuer
func (p Precedence) Value() (driver.Value, error) {
	return string(p), nil
}

// Contact is a single observed (email, phone) record linked into an identity group
// Field order matches schema: id, email, phone_number, linked_id, link_precedence, ...
type Contact struct {
	ID             int64      `json:"id" db:"id"`
	Email          *string    `json:"email" db:"email"`
	PhoneNumber    *string    `json:"phoneNumber" db:"phone_number"`
	LinkedID       *int64     `json:"linkedId" db:"linked_id"`
	LinkPrecedence Precedence `json:"linkPrecedence" db:"link_precedence"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time  `json:"updatedAt" db:"updated_at"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty" db:"deleted_at"`
}

// IsPrimary reports whether the contact is the root of its group
func (c *Contact) IsPrimary() bool {
	return c.LinkPrecedence == PrecedencePrimary
}

// RootID returns the id of the primary this contact belongs to
func (c *Contact) RootID() int64 {
	if c.IsPrimary() || c.LinkedID == nil {
		return c.ID
	}
	return *c.LinkedID
}

// SeniorTo reports whether c outranks other when two primaries collide.
// Earliest creation wins, ties go to the lowest id.
func (c *Contact) SeniorTo(other *Contact) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.ID < other.ID
}

// ConsolidatedView is the deduplicated summary of an identity group
type ConsolidatedView struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// ContactStats is the administrative aggregate over live contacts
type ContactStats struct {
	Total         int64      `json:"total" db:"total"`
	Primary       int64      `json:"primary" db:"primary_count"`
	Secondary     int64      `json:"secondary" db:"secondary_count"`
	LastUpdatedAt *time.Time `json:"last_updated_at,omitempty" db:"last_updated_at"`
}
