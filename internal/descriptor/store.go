// Package descriptor loads and owns the set of deployment descriptors for
// the lifetime of one configuration load.
package descriptor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/edvin/deploygate/internal/model"
)

var validate = validator.New()

// Deployment names end up in filenames (deploy keys) and lock keys, so they
// are restricted to filename-safe characters.
var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,62}$`)

func init() {
	validate.RegisterValidation("depname", func(fl validator.FieldLevel) bool {
		return nameRegex.MatchString(fl.Field().String())
	})
}

// ValidationError marks a single rejected descriptor. Other descriptors in
// the same file still load.
type ValidationError struct {
	Name string
	Err  error
}

func (e ValidationError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("descriptor without name: %v", e.Err)
	}
	return fmt.Sprintf("descriptor %q: %v", e.Name, e.Err)
}

func (e ValidationError) Unwrap() error { return e.Err }

// Store holds an immutable snapshot of deployment descriptors keyed by name.
// Load replaces the snapshot wholesale; readers always see a consistent set.
type Store struct {
	path   string
	logger zerolog.Logger

	mu          sync.RWMutex
	deployments map[string]model.Deployment
}

func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:        path,
		logger:      logger.With().Str("component", "descriptor").Logger(),
		deployments: map[string]model.Deployment{},
	}
}

// Load reads the descriptor file and replaces the current snapshot. A
// missing file yields an empty set. Individual descriptors failing
// validation are rejected and returned; the remainder still loads. Only
// file-level problems (unreadable, bad syntax) fail the whole load.
func (s *Store) Load() ([]ValidationError, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.replace(map[string]model.Deployment{})
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read descriptor file: %w", err)
	}

	var entries []model.Deployment
	switch filepath.Ext(s.path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &entries)
	default:
		err = json.Unmarshal(data, &entries)
	}
	if err != nil {
		return nil, fmt.Errorf("parse descriptor file: %w", err)
	}

	loaded := make(map[string]model.Deployment, len(entries))
	var rejected []ValidationError
	for _, d := range entries {
		if err := validate.Struct(d); err != nil {
			rejected = append(rejected, ValidationError{Name: d.Name, Err: err})
			s.logger.Warn().Str("deployment", d.Name).Err(err).Msg("rejecting invalid descriptor")
			continue
		}
		if _, dup := loaded[d.Name]; dup {
			// First entry wins, matching the historical file format.
			s.logger.Warn().Str("deployment", d.Name).Msg("ignoring duplicate descriptor")
			continue
		}
		loaded[d.Name] = d
	}

	s.replace(loaded)
	return rejected, nil
}

func (s *Store) replace(deployments map[string]model.Deployment) {
	s.mu.Lock()
	s.deployments = deployments
	s.mu.Unlock()
}

// Get returns a copy of the named descriptor. The copy keeps callers from
// mutating the stored snapshot.
func (s *Store) Get(name string) (model.Deployment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[name]
	return d, ok
}

// Names returns all deployment names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.deployments))
	for name := range s.deployments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the descriptors sorted by name.
func (s *Store) All() []model.Deployment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]model.Deployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// Write persists the current snapshot to path in the descriptor file format
// matching the extension.
func (s *Store) Write(path string) error {
	all := s.All()

	var data []byte
	var err error
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(all)
	default:
		data, err = json.MarshalIndent(all, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode descriptors: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write descriptor file: %w", err)
	}
	return nil
}
