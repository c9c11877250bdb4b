package gcp

import (
	"math"
	"time"

	cache "github.com/patrickmn/go-cache"
)

const (
	pricingTTL     = 12 * time.Hour
	pricingCleanup = time.Hour
	hoursPerMonth  = 730
)

// On-demand us-central1 hourly rates.
var machineHourly = map[string]float64{
	"e2-micro":      0.0084,
	"e2-small":      0.0168,
	"e2-medium":     0.0335,
	"e2-standard-2": 0.067,
	"e2-standard-4": 0.134,
	"n2-standard-2": 0.0971,
	"n2-standard-4": 0.1942,
	"c2-standard-4": 0.2088,
}

var sqlTierHourly = map[string]float64{
	"db-f1-micro":       0.0105,
	"db-g1-small":       0.035,
	"db-custom-1-3840":  0.0826,
	"db-custom-2-7680":  0.1652,
	"db-custom-4-15360": 0.3304,
}

// Pricing estimates steady-state monthly cost for provisioned resource
// classes. Buckets, topics and functions are usage billed and get no
// estimate.
type Pricing struct {
	cache *cache.Cache
}

// NewPricing creates a pricing catalog with a 12h TTL cache.
func NewPricing() *Pricing {
	return &Pricing{cache: cache.New(pricingTTL, pricingCleanup)}
}

// InstanceMonthly returns the monthly estimate for a machine type, or
// nil when the type is not in the catalog.
func (p *Pricing) InstanceMonthly(machineType string) *float64 {
	return p.monthly("gce/"+machineType, machineHourly[machineType])
}

// DatabaseMonthly returns the monthly estimate for a Cloud SQL tier.
func (p *Pricing) DatabaseMonthly(tier string) *float64 {
	return p.monthly("sql/"+tier, sqlTierHourly[tier])
}

func (p *Pricing) monthly(key string, hourly float64) *float64 {
	if hourly == 0 {
		return nil
	}
	if v, ok := p.cache.Get(key); ok {
		cost := v.(float64)
		return &cost
	}
	cost := math.Round(hourly*hoursPerMonth*100) / 100
	p.cache.SetDefault(key, cost)
	return &cost
}
