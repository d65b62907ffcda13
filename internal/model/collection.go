package model

import (
	"time"

	"github.com/google/uuid"
)

// Visibility controls who may read a collection and its scenarios.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Collection is a named, ownable group of tools exposed as a unit.
// The CRUD surface for collections lives outside this core; the runner and
// read endpoints only resolve collections and their tool sets.
type Collection struct {
	ID          uuid.UUID  `json:"id"`
	OwnerID     uuid.UUID  `json:"owner_id"`
	Name        string     `json:"name"`
	Slug        string     `json:"slug"`
	Description *string    `json:"description,omitempty"`
	Visibility  Visibility `json:"visibility"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Tool is a wrapped external API/function registered in a collection.
// Execution of tools is an external capability; this core only carries the
// metadata the agent executor and content generator need.
type Tool struct {
	ID           uuid.UUID      `json:"id"`
	CollectionID uuid.UUID      `json:"collection_id"`
	Name         string         `json:"name"`
	PackageName  string         `json:"package_name,omitempty"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// UserRole is the RBAC role assigned to a user.
type UserRole string

const (
	RoleAdmin  UserRole = "admin"
	RoleUser   UserRole = "user"
	RoleReader UserRole = "reader"
)

// User is a platform account that owns collections and scenarios.
type User struct {
	ID         uuid.UUID `json:"id"`
	Handle     string    `json:"handle"`
	Name       string    `json:"name"`
	Role       UserRole  `json:"role"`
	APIKeyHash *string   `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
// Only relative ordering matters; RoleAtLeast uses >= comparison.
func RoleRank(r UserRole) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleUser:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole UserRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}
