package azure

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

// Pay-as-you-go eastus hourly rates.
var vmHourly = map[string]float64{
	"Standard_B1s":    0.0104,
	"Standard_B2s":    0.0416,
	"Standard_B2ms":   0.0832,
	"Standard_D2s_v3": 0.096,
	"Standard_D4s_v3": 0.192,
	"Standard_E2s_v3": 0.126,
	"Standard_F2s_v2": 0.0846,
}

var sqlHourly = map[string]float64{
	"Basic":     0.0068,
	"S0":        0.0202,
	"S1":        0.0404,
	"S2":        0.1009,
	"GP_Gen5_2": 0.505,
}

const loadBalancerHourly = 0.025

// Pricing estimates steady-state monthly cost for provisioned resource
// classes. Storage accounts and function apps are usage billed and get
// no estimate.
type Pricing struct {
	cache *cache.Cache
}

// NewPricing creates a pricing catalog with a 12h TTL cache.
func NewPricing() *Pricing {
	return &Pricing{cache: cache.New(pricingTTL, pricingCleanup)}
}

// VMMonthly returns the monthly estimate for a VM size, or nil when the
// size is not in the catalog.
func (p *Pricing) VMMonthly(size string) *float64 {
	return p.monthly("vm/"+size, vmHourly[size])
}

// DatabaseMonthly returns the monthly estimate for an Azure SQL SKU.
func (p *Pricing) DatabaseMonthly(sku string) *float64 {
	return p.monthly("sql/"+sku, sqlHourly[sku])
}

// LoadBalancerMonthly returns the flat standard load balancer estimate.
func (p *Pricing) LoadBalancerMonthly() *float64 {
	return p.monthly("lb/base", loadBalancerHourly)
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
