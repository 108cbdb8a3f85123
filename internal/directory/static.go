// Package directory provides the identity and course-membership collaborators:
// a YAML-seeded static implementation for standalone runs and a caching
// wrapper that degrades to placeholder identities.
package directory

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

var (
	ErrUserNotFound = fmt.Errorf("%w: user", types.ErrNotFound)

	_ interfaces.UserDirectory    = (*Static)(nil)
	_ interfaces.CourseMembership = (*Static)(nil)
)

// SeedFile is the on-disk layout of a directory seed.
type SeedFile struct {
	Users []struct {
		ID     string `yaml:"id"`
		Name   string `yaml:"name"`
		Avatar string `yaml:"avatar"`
		Role   string `yaml:"role"`
	} `yaml:"users"`
	Courses []struct {
		ID      string   `yaml:"id"`
		Members []string `yaml:"members"`
	} `yaml:"courses"`
}

// Static answers from in-memory data. With openMembership every user counts
// as a member of every course, which suits local development.
type Static struct {
	users          map[string]*types.User
	courses        map[string]map[string]bool
	openMembership bool
}

// NewStatic builds an empty directory.
func NewStatic(openMembership bool) *Static {
	return &Static{
		users:          make(map[string]*types.User),
		courses:        make(map[string]map[string]bool),
		openMembership: openMembership,
	}
}

// LoadFile reads a YAML seed into a Static directory.
func LoadFile(path string, openMembership bool) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory seed: %w", err)
	}
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse directory seed: %w", err)
	}

	s := NewStatic(openMembership)
	for _, u := range seed.Users {
		if !types.IsValidUserID(u.ID) {
			return nil, fmt.Errorf("directory seed: %w: %q", types.ErrInvalidUserID, u.ID)
		}
		s.AddUser(&types.User{ID: u.ID, Name: u.Name, Avatar: u.Avatar, Role: u.Role})
	}
	for _, c := range seed.Courses {
		for _, member := range c.Members {
			s.Enroll(c.ID, member)
		}
	}
	return s, nil
}

// AddUser registers or replaces a user. Not safe for use concurrently with lookups.
func (s *Static) AddUser(u *types.User) {
	s.users[u.ID] = u
}

// Enroll adds a course membership. Not safe for use concurrently with lookups.
func (s *Static) Enroll(courseID, userID string) {
	members, ok := s.courses[courseID]
	if !ok {
		members = make(map[string]bool)
		s.courses[courseID] = members
	}
	members[userID] = true
}

func (s *Static) GetUser(ctx context.Context, userID string) (*types.User, error) {
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *Static) IsMember(ctx context.Context, courseID, userID string) (bool, error) {
	if s.openMembership {
		return true, nil
	}
	return s.courses[courseID][userID], nil
}
