package billing

import (
	"cmp"
	"fmt"
	"slices"
)

// Plan is a catalog entry. Rank orders plans strictly: a higher rank is a
// more expensive tier. The free plan has rank 0 and no price.
type Plan struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Rank          int    `yaml:"rank"`
	MonthlyAmount int64  `yaml:"monthly_amount"`
	AnnualAmount  int64  `yaml:"annual_amount"`
	Currency      string `yaml:"currency"`
}

// Free reports whether the plan is the free tier.
func (p Plan) Free() bool {
	return p.Rank == 0
}

// Amount returns the price for one cycle, in minor units.
func (p Plan) Amount(cycle BillingCycle) int64 {
	if cycle == CycleAnnual {
		return p.AnnualAmount
	}
	return p.MonthlyAmount
}

// Catalog is an immutable, validated set of plans. All plan-rank comparisons
// go through it.
type Catalog struct {
	plans map[string]Plan
	free  Plan
}

// NewCatalog validates plans: unique ids and ranks, exactly one free plan,
// non-negative prices and a currency on every paid plan.
func NewCatalog(plans ...Plan) (*Catalog, error) {
	c := &Catalog{plans: make(map[string]Plan, len(plans))}
	ranks := make(map[int]string, len(plans))
	hasFree := false

	for _, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: plan id is required", ErrInvalidCatalog)
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate plan id %q", ErrInvalidCatalog, p.ID)
		}
		if other, dup := ranks[p.Rank]; dup {
			return nil, fmt.Errorf("%w: plans %q and %q share rank %d", ErrInvalidCatalog, other, p.ID, p.Rank)
		}
		if p.Rank < 0 || p.MonthlyAmount < 0 || p.AnnualAmount < 0 {
			return nil, fmt.Errorf("%w: plan %q has a negative rank or price", ErrInvalidCatalog, p.ID)
		}
		if p.Free() {
			hasFree = true
			c.free = p
		} else if p.Currency == "" {
			return nil, fmt.Errorf("%w: plan %q has no currency", ErrInvalidCatalog, p.ID)
		}
		ranks[p.Rank] = p.ID
		c.plans[p.ID] = p
	}

	if !hasFree {
		return nil, fmt.Errorf("%w: a free plan with rank 0 is required", ErrInvalidCatalog)
	}
	return c, nil
}

// MustCatalog is NewCatalog that panics on error.
func MustCatalog(plans ...Plan) *Catalog {
	c, err := NewCatalog(plans...)
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultCatalog is the built-in free < pro < enterprise ladder (USD cents).
func DefaultCatalog() *Catalog {
	return MustCatalog(
		Plan{ID: "free", Name: "Free", Rank: 0, Currency: "USD"},
		Plan{ID: "pro", Name: "Pro", Rank: 1, MonthlyAmount: 2000, AnnualAmount: 20000, Currency: "USD"},
		Plan{ID: "enterprise", Name: "Enterprise", Rank: 2, MonthlyAmount: 5000, AnnualAmount: 50000, Currency: "USD"},
	)
}

func (c *Catalog) Get(id string) (Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrPlanNotFound, id)
	}
	return p, nil
}

func (c *Catalog) Free() Plan {
	return c.free
}

// Compare orders two plans by rank: -1 if a is lower, 1 if higher, 0 if equal.
func (c *Catalog) Compare(a, b string) (int, error) {
	pa, err := c.Get(a)
	if err != nil {
		return 0, err
	}
	pb, err := c.Get(b)
	if err != nil {
		return 0, err
	}
	return cmp.Compare(pa.Rank, pb.Rank), nil
}

// Plans returns all plans ordered by rank.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Plan) int { return cmp.Compare(a.Rank, b.Rank) })
	return out
}
