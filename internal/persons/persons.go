// Package persons resolves enrolled person ids to display names.
package persons

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no person has the requested id.
var ErrNotFound = errors.New("person not found")

// Person is the slice of the person entity attendance needs.
type Person struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Directory looks up persons by id.
type Directory interface {
	GetPerson(ctx context.Context, id string) (Person, error)
}

// PostgresDirectory reads the persons table.
type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory creates a directory backed by db.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

// GetPerson returns the person with the given id.
func (d *PostgresDirectory) GetPerson(ctx context.Context, id string) (Person, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name
		FROM persons WHERE id = $1
	`, id)
	var p Person
	var first, last string
	if err := row.Scan(&p.ID, &first, &last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Person{}, ErrNotFound
		}
		return Person{}, err
	}
	p.DisplayName = strings.TrimSpace(first + " " + last)
	return p, nil
}

// CachedDirectory is a Redis read-through cache in front of another Directory.
type CachedDirectory struct {
	next   Directory
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewCachedDirectory wraps next with a Redis cache of the given ttl.
func NewCachedDirectory(next Directory, client *redis.Client, ttl time.Duration) *CachedDirectory {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedDirectory{next: next, client: client, ttl: ttl, prefix: "attendance:person:"}
}

// GetPerson serves from Redis when possible. Cache failures fall through to
// the wrapped directory.
func (c *CachedDirectory) GetPerson(ctx context.Context, id string) (Person, error) {
	key := c.prefix + id
	if raw, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var p Person
		if err := json.Unmarshal(raw, &p); err == nil {
			return p, nil
		}
	}

	p, err := c.next.GetPerson(ctx, id)
	if err != nil {
		return Person{}, err
	}
	if raw, err := json.Marshal(p); err == nil {
		_ = c.client.Set(ctx, key, raw, c.ttl).Err()
	}
	return p, nil
}

// Static is an in-memory directory for development and tests.
type Static struct {
	mu      sync.RWMutex
	persons map[string]Person
}

// NewStatic creates a directory holding the given persons.
func NewStatic(people ...Person) *Static {
	s := &Static{persons: make(map[string]Person, len(people))}
	for _, p := range people {
		s.persons[p.ID] = p
	}
	return s
}

// Add inserts or replaces a person.
func (s *Static) Add(p Person) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persons[p.ID] = p
}

// GetPerson returns the stored person or ErrNotFound.
func (s *Static) GetPerson(ctx context.Context, id string) (Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.persons[id]
	if !ok {
		return Person{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// DisplayName returns the person's name, or the id itself when the lookup
// fails for any reason.
func DisplayName(ctx context.Context, dir Directory, id string) string {
	if dir == nil {
		return id
	}
	p, err := dir.GetPerson(ctx, id)
	if err != nil || p.DisplayName == "" {
		return id
	}
	return p.DisplayName
}
