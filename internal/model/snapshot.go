package model

// Snapshot is the persisted state of one session's directory and
// classification progress.
type Snapshot struct {
	Contacts              []Contact
	BusinessFlags         map[string]bool
	ClassificationDone    bool
	ClassificationChecked int
}
