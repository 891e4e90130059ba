// Package store keeps named definitions, in memory and optionally in a bbolt
// database.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const bucketDefinitions = "definitions"

// Sentinel errors for lookups and creation.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Definition is a stored definition source.
type Definition struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Source      string            `json:"source"`
	RevisionID  string            `json:"revisionId"`
	CreateTime  time.Time         `json:"createTime"`
	UpdateTime  time.Time         `json:"updateTime"`
	Labels      map[string]string `json:"labels,omitempty"`
}

func (d *Definition) clone() *Definition {
	c := *d
	if d.Labels != nil {
		c.Labels = make(map[string]string, len(d.Labels))
		for k, v := range d.Labels {
			c.Labels[k] = v
		}
	}
	return &c
}

// Store is a thread-safe store of definitions. Returned definitions are
// copies; callers may modify them freely.
type Store struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	db          *bolt.DB
}

// New creates a new empty in-memory store.
func New() *Store {
	return &Store{definitions: make(map[string]*Definition)}
}

// Open creates a store backed by the bbolt database at path, loading any
// definitions it already holds.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	s := New()
	s.db = db
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucketDefinitions))
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var d Definition
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decode definition %s: %w", k, err)
			}
			s.definitions[d.Name] = &d
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// persist writes d to the database. Callers hold s.mu.
func (s *Store) persist(d *Definition) error {
	if s.db == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketDefinitions)).Put([]byte(d.Name), data)
	})
}

// Create stores a new definition.
func (s *Store) Create(name, source, description string, labels map[string]string) (*Definition, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.definitions[name]; exists {
		return nil, fmt.Errorf("definition '%s' %w", name, ErrAlreadyExists)
	}

	now := time.Now().UTC()
	d := &Definition{
		Name:        name,
		Description: description,
		Source:      source,
		RevisionID:  newRevisionID(),
		CreateTime:  now,
		UpdateTime:  now,
		Labels:      labels,
	}
	if err := s.persist(d); err != nil {
		return nil, err
	}
	s.definitions[name] = d
	return d.clone(), nil
}

// Put creates or replaces a definition. It reports whether the definition was
// created.
func (s *Store) Put(name, source string) (*Definition, bool, error) {
	d, err := s.Update(name, source, "")
	if err == nil {
		return d, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	d, err = s.Create(name, source, "", nil)
	return d, true, err
}

// Get retrieves a definition by name.
func (s *Store) Get(name string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.definitions[name]
	if !ok {
		return nil, fmt.Errorf("definition '%s' %w", name, ErrNotFound)
	}
	return d.clone(), nil
}

// List returns all definitions ordered by name.
func (s *Store) List() []*Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Definition, 0, len(s.definitions))
	for _, d := range s.definitions {
		result = append(result, d.clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Len returns the number of stored definitions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.definitions)
}

// Update replaces a definition's source and, if non-empty, its description.
// A new revision ID is assigned only when the source changes.
func (s *Store) Update(name, source, description string) (*Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.definitions[name]
	if !ok {
		return nil, fmt.Errorf("definition '%s' %w", name, ErrNotFound)
	}

	updated := d.clone()
	if source != "" && source != d.Source {
		updated.Source = source
		updated.RevisionID = newRevisionID()
	}
	if description != "" {
		updated.Description = description
	}
	updated.UpdateTime = time.Now().UTC()

	if err := s.persist(updated); err != nil {
		return nil, err
	}
	s.definitions[name] = updated
	return updated.clone(), nil
}

// Delete removes a definition.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.definitions[name]; !ok {
		return fmt.Errorf("definition '%s' %w", name, ErrNotFound)
	}
	if s.db != nil {
		err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte(bucketDefinitions)).Delete([]byte(name))
		})
		if err != nil {
			return err
		}
	}
	delete(s.definitions, name)
	return nil
}

// ValidateName checks that a definition name is usable in URLs and file
// names: 1-64 characters of letters, digits, '-' and '_', starting with a
// letter.
func ValidateName(name string) error {
	if name == "" || len(name) > 64 {
		return fmt.Errorf("definition name must be 1-64 characters, got %d", len(name))
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-' || r == '_'):
		default:
			return fmt.Errorf("invalid character %q in definition name %q", r, name)
		}
	}
	return nil
}

func newRevisionID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}
