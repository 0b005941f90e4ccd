package repository

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/openclaw/wa-session-broker/internal/model"
)

// Snapshot file versions. Version 0 is a bare [[address, contact]] array,
// version 1 an object without a version field using the businessDetection*
// counter names, version 2 the current envelope.
const (
	snapshotVersionBare    = 0
	snapshotVersionLegacy  = 1
	snapshotVersionCurrent = 2
)

type contactRecord struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name,omitempty"`
	Notify          string                 `json:"notify,omitempty"`
	VerifiedName    string                 `json:"verifiedName,omitempty"`
	BusinessProfile *model.BusinessProfile `json:"businessProfile,omitempty"`
}

type contactEntry struct {
	Address string
	Record  contactRecord
}

func (e contactEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Address, e.Record})
}

func (e *contactEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("contact entry must have 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Address); err != nil {
		return fmt.Errorf("contact entry address: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Record); err != nil {
		return fmt.Errorf("contact entry record: %w", err)
	}
	return nil
}

type flagEntry struct {
	Address    string
	IsBusiness bool
}

func (e flagEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Address, e.IsBusiness})
}

func (e *flagEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("flag entry must have 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Address); err != nil {
		return fmt.Errorf("flag entry address: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.IsBusiness); err != nil {
		return fmt.Errorf("flag entry value: %w", err)
	}
	return nil
}

type envelope struct {
	Version               int            `json:"version"`
	Contacts              []contactEntry `json:"contacts"`
	BusinessFlags         []flagEntry    `json:"businessFlags"`
	ClassificationDone    bool           `json:"classificationDone"`
	ClassificationChecked int            `json:"classificationChecked"`

	LegacyDone    *bool `json:"businessDetectionDone,omitempty"`
	LegacyChecked *int  `json:"businessDetectionChecked,omitempty"`
}

func encodeSnapshot(s *model.Snapshot) ([]byte, error) {
	env := envelope{
		Version:               snapshotVersionCurrent,
		Contacts:              make([]contactEntry, 0, len(s.Contacts)),
		BusinessFlags:         make([]flagEntry, 0, len(s.BusinessFlags)),
		ClassificationDone:    s.ClassificationDone,
		ClassificationChecked: s.ClassificationChecked,
	}
	for _, c := range s.Contacts {
		env.Contacts = append(env.Contacts, contactEntry{Address: c.Address, Record: toRecord(c)})
	}

	addresses := make([]string, 0, len(s.BusinessFlags))
	for addr := range s.BusinessFlags {
		addresses = append(addresses, addr)
	}
	sort.Strings(addresses)
	for _, addr := range addresses {
		env.BusinessFlags = append(env.BusinessFlags, flagEntry{Address: addr, IsBusiness: s.BusinessFlags[addr]})
	}

	return json.Marshal(env)
}

func decodeSnapshot(data []byte) (*model.Snapshot, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty snapshot")
	}

	var env envelope
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &env.Contacts); err != nil {
			return nil, fmt.Errorf("decode bare contact list: %w", err)
		}
		env.Version = snapshotVersionBare
	case '{':
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("decode snapshot envelope: %w", err)
		}
		if env.Version == snapshotVersionBare {
			env.Version = snapshotVersionLegacy
		}
	default:
		return nil, fmt.Errorf("unrecognized snapshot format")
	}

	switch env.Version {
	case snapshotVersionBare, snapshotVersionCurrent:
	case snapshotVersionLegacy:
		if env.LegacyDone != nil {
			env.ClassificationDone = *env.LegacyDone
		}
		if env.LegacyChecked != nil {
			env.ClassificationChecked = *env.LegacyChecked
		}
	default:
		return nil, fmt.Errorf("unsupported snapshot version %d", env.Version)
	}

	return fromEnvelope(&env), nil
}

// fromEnvelope rebuilds a snapshot and drops flags for addresses that are not
// in the contact list.
func fromEnvelope(env *envelope) *model.Snapshot {
	s := &model.Snapshot{
		Contacts:              make([]model.Contact, 0, len(env.Contacts)),
		BusinessFlags:         make(map[string]bool, len(env.BusinessFlags)),
		ClassificationDone:    env.ClassificationDone,
		ClassificationChecked: env.ClassificationChecked,
	}

	known := make(map[string]struct{}, len(env.Contacts))
	for _, entry := range env.Contacts {
		address := entry.Address
		if address == "" {
			address = entry.Record.ID
		}
		if address == "" {
			continue
		}
		known[address] = struct{}{}
		s.Contacts = append(s.Contacts, fromRecord(address, entry.Record))
	}
	for _, f := range env.BusinessFlags {
		if _, ok := known[f.Address]; ok {
			s.BusinessFlags[f.Address] = f.IsBusiness
		}
	}
	if s.ClassificationChecked < 0 {
		s.ClassificationChecked = 0
	}
	return s
}

func toRecord(c model.Contact) contactRecord {
	return contactRecord{
		ID:              c.Address,
		Name:            c.Name,
		Notify:          c.PushName,
		VerifiedName:    c.VerifiedName,
		BusinessProfile: c.BusinessProfile,
	}
}

func fromRecord(address string, r contactRecord) model.Contact {
	return model.Contact{
		Address:         address,
		Name:            r.Name,
		PushName:        r.Notify,
		VerifiedName:    r.VerifiedName,
		BusinessProfile: r.BusinessProfile,
	}
}
