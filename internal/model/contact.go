package model

import "strings"

type BusinessProfile struct {
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Email       string   `json:"email,omitempty"`
	Websites    []string `json:"website,omitempty"`
	Address     string   `json:"address,omitempty"`
}

type Contact struct {
	Address         string           `json:"jid"`
	PhoneNumber     string           `json:"phoneNumber,omitempty"`
	Name            string           `json:"name,omitempty"`
	PushName        string           `json:"pushName,omitempty"`
	VerifiedName    string           `json:"verifiedName,omitempty"`
	IsBusiness      bool             `json:"isBusiness"`
	BusinessProfile *BusinessProfile `json:"businessProfile,omitempty"`
}

// DisplayName prefers the owner-set name, then the self-reported push name,
// then the verified business name, and finally the bare address user part.
func (c Contact) DisplayName() string {
	switch {
	case c.Name != "":
		return c.Name
	case c.PushName != "":
		return c.PushName
	case c.VerifiedName != "":
		return c.VerifiedName
	}
	user, _, _ := strings.Cut(c.Address, "@")
	return user
}

// ContactUpdate carries a partial contact change. Nil fields are left as they are.
type ContactUpdate struct {
	Address      string
	Name         *string
	PushName     *string
	VerifiedName *string
}

// Apply merges the set fields of u onto c.
func (u ContactUpdate) Apply(c Contact) Contact {
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.PushName != nil {
		c.PushName = *u.PushName
	}
	if u.VerifiedName != nil {
		c.VerifiedName = *u.VerifiedName
	}
	return c
}

// Chat is a conversation entry from a bulk history payload, used to backfill
// contacts that have no directory entry of their own.
type Chat struct {
	Address string
	Name    string
}

type CheckResult struct {
	Number    string `json:"number"`
	Reachable bool   `json:"hasWhatsApp"`
	Address   string `json:"jid,omitempty"`
}
