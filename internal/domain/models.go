// Package domain defines the persisted entities of the growth agent.
package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OpportunityType categorizes a proposed optimization.
type OpportunityType string

const (
	TypeCopyTweak          OpportunityType = "COPY_TWEAK"
	TypeSEOOptimization    OpportunityType = "SEO_OPTIMIZATION"
	TypePerformanceFix     OpportunityType = "PERFORMANCE_FIX"
	TypeUXImprovement      OpportunityType = "UX_IMPROVEMENT"
	TypeSGEAnswerBlock     OpportunityType = "SGE_ANSWER_BLOCK"
	TypeFAQSchema          OpportunityType = "FAQ_SCHEMA"
	TypeImageOptimization  OpportunityType = "IMAGE_OPTIMIZATION"
	TypeLoyaltyPass        OpportunityType = "LOYALTY_PASS"
	TypeCompetitorResponse OpportunityType = "COMPETITOR_RESPONSE"
)

// Valid reports whether t is a known opportunity type.
func (t OpportunityType) Valid() bool {
	switch t {
	case TypeCopyTweak, TypeSEOOptimization, TypePerformanceFix,
		TypeUXImprovement, TypeSGEAnswerBlock, TypeFAQSchema,
		TypeImageOptimization, TypeLoyaltyPass, TypeCompetitorResponse:
		return true
	}
	return false
}

// Priority orders opportunities: LOW < MEDIUM < HIGH.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// Rank returns the ordering of the priority (LOW=0, MEDIUM=1, HIGH=2).
// Unknown priorities rank below LOW.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	}
	return -1
}

// OpportunityStatus is the opportunity lifecycle state.
type OpportunityStatus string

const (
	OpportunityPending    OpportunityStatus = "PENDING"
	OpportunityInProgress OpportunityStatus = "IN_PROGRESS"
	OpportunityDeployed   OpportunityStatus = "DEPLOYED"
	OpportunityRolledBack OpportunityStatus = "ROLLED_BACK"
	OpportunityFailed     OpportunityStatus = "FAILED"
)

// DeploymentStatus is the deployment lifecycle state.
//
// PR_CREATED -> {DEPLOYED, FAILED, ROLLED_BACK}; DEPLOYED -> ROLLED_BACK.
// DEPLOYED (kept), FAILED and ROLLED_BACK are terminal.
type DeploymentStatus string

const (
	DeploymentPRCreated  DeploymentStatus = "PR_CREATED"
	DeploymentDeployed   DeploymentStatus = "DEPLOYED"
	DeploymentFailed     DeploymentStatus = "FAILED"
	DeploymentRolledBack DeploymentStatus = "ROLLED_BACK"
)

// Site is a tracked domain under optimization.
type Site struct {
	ID        string `gorm:"primaryKey;size:36"`
	URL       string `gorm:"not null;index"`
	Name      string
	MaxPages  int
	AutoMerge bool
	IsActive  bool `gorm:"index"`

	GitHubOwner string
	GitHubRepo  string

	GA4PropertyID string
	GA4APISecret  string `json:"-"`

	Competitors   []Competitor `gorm:"constraint:OnDelete:CASCADE"`
	Crawls        []Crawl
	Opportunities []Opportunity
	Deployments   []Deployment

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Competitor is a rival domain tracked for a site.
type Competitor struct {
	ID       string `gorm:"primaryKey;size:36"`
	SiteID   string `gorm:"not null;index"`
	URL      string `gorm:"not null"`
	Name     string
	IsActive bool `gorm:"index"`

	Crawls []Crawl

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Crawl is one fetched page snapshot. Immutable once created; pruned
// after the retention window. Belongs to a site or a competitor, never
// both.
type Crawl struct {
	ID           string  `gorm:"primaryKey;size:36"`
	SiteID       *string `gorm:"index"`
	CompetitorID *string `gorm:"index"`

	URL             string `gorm:"not null"`
	Title           string
	Content         string `gorm:"type:text"`
	HTMLContent     string `gorm:"type:text"`
	MetaDescription string
	StatusCode      int
	LoadTimeMS      int64
	ContentSize     int

	PerformanceScore   *float64
	AccessibilityScore *float64
	BestPracticesScore *float64
	SEOScore           *float64
	CLSScore           *float64
	LCPScore           *float64
	FCPScore           *float64

	Embeddings []Embedding `gorm:"constraint:OnDelete:CASCADE"`

	CrawledAt time.Time `gorm:"index"`
}

// Embedding is a vector representation of a crawl's content. The vector
// is stored as a JSON-encoded []float32.
type Embedding struct {
	ID      string `gorm:"primaryKey;size:36"`
	CrawlID string `gorm:"not null;index"`
	Content string `gorm:"type:text"`
	Vector  string `gorm:"type:text"`

	CreatedAt time.Time
}

// Opportunity is a proposed, AI-ranked website change.
type Opportunity struct {
	ID     string `gorm:"primaryKey;size:36"`
	SiteID string `gorm:"not null;index"`

	Title        string          `gorm:"not null"`
	Description  string          `gorm:"type:text"`
	Type         OpportunityType `gorm:"size:32"`
	Priority     Priority        `gorm:"size:16;index"`
	RevenueDelta float64
	Confidence   float64

	TargetURL        string
	CurrentContent   string `gorm:"type:text"`
	SuggestedContent string `gorm:"type:text"`
	PatchData        string `gorm:"type:text"` // JSON-encoded PatchData, empty when none
	Reasoning        string `gorm:"type:text"`

	Status OpportunityStatus `gorm:"size:16;index"`

	Deployments []Deployment

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Deployment records one attempt to ship an opportunity's patch.
// At most one deployment per opportunity is active at a time.
type Deployment struct {
	ID            string `gorm:"primaryKey;size:36"`
	OpportunityID string `gorm:"not null;index"`
	SiteID        string `gorm:"not null;index"`

	PRNumber      int
	PRURL         string
	PRTitle       string
	PRDescription string `gorm:"type:text"`

	BeforeScore      *float64
	AfterScore       *float64
	PerformanceDelta *float64

	Status       DeploymentStatus `gorm:"size:16;index"`
	DeployedAt   *time.Time
	RolledBackAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BeforeCreate assigns UUIDs when the caller did not.

func (s *Site) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

func (c *Competitor) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

func (c *Crawl) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CrawledAt.IsZero() {
		c.CrawledAt = time.Now()
	}
	return nil
}

func (e *Embedding) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

func (o *Opportunity) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = OpportunityPending
	}
	return nil
}

func (d *Deployment) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = DeploymentPRCreated
	}
	return nil
}
