package model

import "time"

type ClassificationProgress struct {
	Done          bool `json:"done"`
	InProgress    bool `json:"inProgress"`
	Checked       int  `json:"checked"`
	Total         int  `json:"total"`
	BusinessCount int  `json:"businessCount"`
}

type SessionStatus struct {
	UserID         string                  `json:"userId"`
	State          ConnectionState         `json:"state"`
	Connected      bool                    `json:"connected"`
	PhoneNumber    string                  `json:"phoneNumber,omitempty"`
	ContactsCount  int                     `json:"contactsCount"`
	CreatedAt      time.Time               `json:"createdAt"`
	LastActivityAt time.Time               `json:"lastActivityAt"`
	ConnectedAt    *time.Time              `json:"connectedAt,omitempty"`
	Classification *ClassificationProgress `json:"businessDetectionProgress,omitempty"`
}

type SessionStats struct {
	Active    int `json:"active"`
	Connected int `json:"connected"`
	Max       int `json:"max"`
}
