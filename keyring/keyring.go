// Package keyring loads and serves the roster of known participants:
// contributing sources and consensus validators, each with a stable ID
// and an ed25519 public key. The roster is the verifier's source of
// truth: a record or vote from an ID not present here is rejected as
// UnknownSource before any computation sees it.
package keyring

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/crestline-labs/baseline/types"
)

// Errors
var (
	ErrUnknownID   = errors.New("unknown participant id")
	ErrDuplicateID = errors.New("duplicate participant id")
	ErrEmptyRoster = errors.New("roster has no participants")
)

// Role distinguishes what a participant may do.
type Role string

const (
	RoleSource    Role = "source"    // submits evidence records
	RoleValidator Role = "validator" // votes in consensus rounds
	RoleBoth      Role = "both"
)

// Entry is one roster participant as it appears in the YAML file.
type Entry struct {
	ID        string `yaml:"id" validate:"required"`
	Role      Role   `yaml:"role" validate:"required,oneof=source validator both"`
	PublicKey string `yaml:"public_key" validate:"required,len=64,hexadecimal"`
}

// rosterFile is the YAML document layout.
type rosterFile struct {
	Participants []Entry `yaml:"participants" validate:"required,min=1,dive"`
}

// Participant is a resolved roster entry.
type Participant struct {
	ID        string
	Role      Role
	PublicKey types.PublicKey
}

// CanSubmit reports whether the participant may submit evidence.
func (p *Participant) CanSubmit() bool {
	return p.Role == RoleSource || p.Role == RoleBoth
}

// CanVote reports whether the participant may vote in consensus.
func (p *Participant) CanVote() bool {
	return p.Role == RoleValidator || p.Role == RoleBoth
}

// Keyring is an immutable-after-load lookup of participants. Additions
// (operator action) take the write lock; lookups are concurrent.
type Keyring struct {
	mu   sync.RWMutex
	byID map[string]*Participant
}

// New creates a keyring from resolved participants.
func New(participants []Participant) (*Keyring, error) {
	if len(participants) == 0 {
		return nil, ErrEmptyRoster
	}
	k := &Keyring{byID: make(map[string]*Participant, len(participants))}
	for i := range participants {
		p := participants[i]
		if _, exists := k.byID[p.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
		}
		k.byID[p.ID] = &p
	}
	return k, nil
}

// Load reads and validates a YAML roster file.
func Load(path string) (*Keyring, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates YAML roster bytes.
func Parse(data []byte) (*Keyring, error) {
	var file rosterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse roster: %w", err)
	}
	if err := validator.New().Struct(&file); err != nil {
		return nil, fmt.Errorf("invalid roster: %w", err)
	}

	participants := make([]Participant, 0, len(file.Participants))
	for _, e := range file.Participants {
		pub, err := types.ParsePublicKey(e.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("participant %s: %w", e.ID, err)
		}
		participants = append(participants, Participant{
			ID:        e.ID,
			Role:      e.Role,
			PublicKey: pub,
		})
	}
	return New(participants)
}

// Lookup returns the participant for an ID.
func (k *Keyring) Lookup(id string) (*Participant, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	p, ok := k.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	cp := *p
	return &cp, nil
}

// PublicKeyOf returns the public key for an ID.
func (k *Keyring) PublicKeyOf(id string) (types.PublicKey, error) {
	p, err := k.Lookup(id)
	if err != nil {
		return nil, err
	}
	return p.PublicKey, nil
}

// Add registers a participant at runtime (operator-driven enrollment).
func (k *Keyring) Add(p Participant) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, exists := k.byID[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
	}
	k.byID[p.ID] = &p
	return nil
}

// Validators returns the IDs of every participant allowed to vote,
// in unspecified order.
func (k *Keyring) Validators() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	var ids []string
	for id, p := range k.byID {
		if p.CanVote() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Size returns the number of participants.
func (k *Keyring) Size() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.byID)
}
