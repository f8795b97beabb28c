// internal/membership/plans.go
package membership

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

type planFile struct {
	Plans []planEntry `yaml:"plans"`
}

type planEntry struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Price        string   `yaml:"price"`
	Currency     string   `yaml:"currency"`
	DurationDays int      `yaml:"duration_days"`
	Benefits     []string `yaml:"benefits"`
}

// LoadPlans reads the plan seed file.
func LoadPlans(path string) ([]Plan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	return ParsePlans(raw, "INR")
}

// ParsePlans decodes a YAML plan list. Entries without a currency use
// defaultCurrency.
func ParsePlans(raw []byte, defaultCurrency string) ([]Plan, error) {
	var f planFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode plans: %w", err)
	}

	plans := make([]Plan, 0, len(f.Plans))
	seen := make(map[Tier]bool)
	for i, e := range f.Plans {
		p, err := e.plan(defaultCurrency)
		if err != nil {
			return nil, fmt.Errorf("plan %d: %w", i, err)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("plan %d: duplicate plan name %q", i, p.Name)
		}
		seen[p.Name] = true
		plans = append(plans, p)
	}
	return plans, nil
}

func (e planEntry) plan(defaultCurrency string) (Plan, error) {
	id, err := uuid.Parse(e.ID)
	if err != nil {
		return Plan{}, fmt.Errorf("invalid id %q: %w", e.ID, err)
	}
	tier, err := ParseTier(e.Name)
	if err != nil {
		return Plan{}, err
	}
	price, err := decimal.NewFromString(e.Price)
	if err != nil {
		return Plan{}, fmt.Errorf("invalid price %q: %w", e.Price, err)
	}
	if e.DurationDays <= 0 {
		return Plan{}, fmt.Errorf("duration_days must be positive")
	}
	currency := strings.ToUpper(e.Currency)
	if currency == "" {
		currency = strings.ToUpper(defaultCurrency)
	}

	p := Plan{
		ID:           id,
		Name:         tier,
		Price:        price,
		Currency:     currency,
		DurationDays: e.DurationDays,
		Benefits:     e.Benefits,
	}
	if _, err := p.AmountMinor(); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// PlanSource is the backing store for plans.
type PlanSource interface {
	GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error)
}

// Catalog caches plan lookups. Plans are reference data that only change on
// redeploy, so entries live for ttl and concurrent misses share one load.
type Catalog struct {
	source PlanSource
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[uuid.UUID]cachedPlan
	group   singleflight.Group
}

type cachedPlan struct {
	plan     Plan
	loadedAt time.Time
}

func NewCatalog(source PlanSource, ttl time.Duration) *Catalog {
	return &Catalog{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[uuid.UUID]cachedPlan),
	}
}

func (c *Catalog) GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.loadedAt) < c.ttl {
		p := entry.plan
		return &p, nil
	}

	v, err, _ := c.group.Do(id.String(), func() (interface{}, error) {
		p, err := c.source.GetPlan(ctx, id)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[id] = cachedPlan{plan: *p, loadedAt: c.now()}
		c.mu.Unlock()
		return *p, nil
	})
	if err != nil {
		return nil, err
	}
	p := v.(Plan)
	return &p, nil
}

// Invalidate drops every cached plan.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[uuid.UUID]cachedPlan)
	c.mu.Unlock()
}
