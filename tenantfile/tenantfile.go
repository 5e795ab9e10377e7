// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package tenantfile stores named tenant connection profiles in a
// tenants.yaml file, so runs can address source and destination
// tenants by name. Access is serialized across processes with a
// machine-wide mutex.
package tenantfile

import (
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mutex/v2"
	"github.com/juju/utils/v4"
	"gopkg.in/yaml.v3"
)

var logger = loggo.GetLogger("tenantsync.tenantfile")

const (
	// Filename is the profiles file name inside the store directory.
	Filename = "tenants.yaml"

	lockName    = "tenantsync-profiles"
	lockTimeout = 5 * time.Second
	lockDelay   = 20 * time.Millisecond

	fileMode = 0o600
	dirMode  = 0o700
)

// Profile is one named tenant connection.
type Profile struct {
	// Endpoint is the API base URL of the tenant's management API.
	Endpoint string `yaml:"endpoint"`

	// TenantID identifies the tenant service group.
	TenantID string `yaml:"tenant-id"`

	// ClientID names the OAuth client used to obtain tokens. The
	// secret itself never lives in this file.
	ClientID string `yaml:"client-id,omitempty"`

	// TokenURL overrides the token endpoint, when not the default.
	TokenURL string `yaml:"token-url,omitempty"`

	Description string `yaml:"description,omitempty"`
}

// Validate checks the profile holds enough to connect.
func (p Profile) Validate() error {
	if p.Endpoint == "" {
		return errors.NotValidf("profile without an endpoint")
	}
	if p.TenantID == "" {
		return errors.NotValidf("profile without a tenant id")
	}
	return nil
}

var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateName checks a profile name.
func ValidateName(name string) error {
	if !validName.MatchString(name) {
		return errors.NotValidf("profile name %q", name)
	}
	return nil
}

// DefaultDir returns the standard store directory.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Trace(err)
	}
	return filepath.Join(home, ".tenantsync"), nil
}

// profilesFile is the on-disk shape.
type profilesFile struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// Store reads and writes tenant profiles under one directory.
type Store struct {
	dir   string
	clock clock.Clock
}

// NewStore returns a store rooted at dir.
func NewStore(dir string, clk clock.Clock) (*Store, error) {
	if dir == "" {
		return nil, errors.NotValidf("empty store directory")
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{dir: dir, clock: clk}, nil
}

func (s *Store) path() string {
	return filepath.Join(s.dir, Filename)
}

func (s *Store) lock(operation string) (mutex.Releaser, error) {
	releaser, err := mutex.Acquire(mutex.Spec{
		Name:    lockName,
		Clock:   s.clock,
		Delay:   lockDelay,
		Timeout: lockTimeout,
	})
	if err != nil {
		return nil, errors.Annotatef(err, "acquiring profiles lock for %s", operation)
	}
	return releaser, nil
}

// All returns every stored profile.
func (s *Store) All() (map[string]Profile, error) {
	releaser, err := s.lock("read-all")
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer releaser.Release()
	return s.read()
}

// ByName returns the named profile.
func (s *Store) ByName(name string) (*Profile, error) {
	if err := ValidateName(name); err != nil {
		return nil, errors.Trace(err)
	}
	releaser, err := s.lock("read")
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer releaser.Release()

	profiles, err := s.read()
	if err != nil {
		return nil, errors.Trace(err)
	}
	profile, ok := profiles[name]
	if !ok {
		return nil, errors.NotFoundf("tenant profile %q", name)
	}
	return &profile, nil
}

// Update adds or replaces the named profile.
func (s *Store) Update(name string, profile Profile) error {
	if err := ValidateName(name); err != nil {
		return errors.Trace(err)
	}
	if err := profile.Validate(); err != nil {
		return errors.Trace(err)
	}
	releaser, err := s.lock("update")
	if err != nil {
		return errors.Trace(err)
	}
	defer releaser.Release()

	profiles, err := s.read()
	if err != nil {
		return errors.Trace(err)
	}
	profiles[name] = profile
	return errors.Trace(s.write(profiles))
}

// Remove deletes the named profile. Removing an absent profile is not
// an error.
func (s *Store) Remove(name string) error {
	if err := ValidateName(name); err != nil {
		return errors.Trace(err)
	}
	releaser, err := s.lock("remove")
	if err != nil {
		return errors.Trace(err)
	}
	defer releaser.Release()

	profiles, err := s.read()
	if err != nil {
		return errors.Trace(err)
	}
	if _, ok := profiles[name]; !ok {
		return nil
	}
	delete(profiles, name)
	return errors.Trace(s.write(profiles))
}

func (s *Store) read() (map[string]Profile, error) {
	data, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return make(map[string]Profile), nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	var file profilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Annotatef(err, "parsing %q", s.path())
	}
	if file.Profiles == nil {
		file.Profiles = make(map[string]Profile)
	}
	return file.Profiles, nil
}

func (s *Store) write(profiles map[string]Profile) error {
	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return errors.Trace(err)
	}
	data, err := yaml.Marshal(profilesFile{Profiles: profiles})
	if err != nil {
		return errors.Trace(err)
	}
	if err := utils.AtomicWriteFile(s.path(), data, fileMode); err != nil {
		return errors.Annotatef(err, "writing %q", s.path())
	}
	logger.Debugf("wrote %d tenant profiles to %q", len(profiles), s.path())
	return nil
}
