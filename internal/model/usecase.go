package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ToolStep is one entry of a use case's tool-sequence breakdown.
// Order values form a dense 1-based sequence with no gaps.
type ToolStep struct {
	ToolName    string `json:"tool_name"`
	PackageName string `json:"package_name,omitempty"`
	Purpose     string `json:"purpose"`
	Order       int    `json:"order"`
}

// ValidateToolSequence checks the dense-ordering invariant: orders must be
// strictly increasing starting at 1 with no gaps.
func ValidateToolSequence(steps []ToolStep) error {
	for i, st := range steps {
		if st.Order != i+1 {
			return fmt.Errorf("tool_sequence[%d]: order %d, want %d (dense 1-based sequence)", i, st.Order, i+1)
		}
		if st.ToolName == "" {
			return fmt.Errorf("tool_sequence[%d]: tool_name is required", i)
		}
	}
	return nil
}

// EngagementKind distinguishes the two engagement counters on a use case.
type EngagementKind string

const (
	EngagementView EngagementKind = "view"
	EngagementLike EngagementKind = "like"
)

// EngagementEvent is one recorded view or like. Events are buffered in
// memory and folded into the use-case counters in batches.
type EngagementEvent struct {
	UseCaseID  uuid.UUID      `json:"use_case_id"`
	Kind       EngagementKind `json:"kind"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// UseCase is generated marketing content derived from a qualifying scenario.
// Created and updated only by the use-case generator; read-only everywhere
// else. One use case per source scenario.
type UseCase struct {
	ID               uuid.UUID  `json:"id"`
	Slug             string     `json:"slug"`
	SourceScenarioID uuid.UUID  `json:"source_scenario_id"`
	MarketingTitle   string     `json:"marketing_title"`
	MarketingDesc    string     `json:"marketing_desc"`
	Narrative        string     `json:"narrative"`
	PersonaTags      []string   `json:"persona_tags"`
	ToolSequence     []ToolStep `json:"tool_sequence"`

	// RankScore is recomputed by ComputeRankScores, never hand-edited.
	RankScore float64 `json:"rank_score"`

	ViewCount int `json:"view_count"`
	LikeCount int `json:"like_count"`

	GeneratedAt time.Time `json:"generated_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
