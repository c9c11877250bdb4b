package aws

import (
	"fmt"
	"math"
	"time"

	cache "github.com/patrickmn/go-cache"
)

const (
	pricingTTL     = 12 * time.Hour
	pricingCleanup = time.Hour
	hoursPerMonth  = 730
)

// On-demand us-east-1 hourly rates. A static catalog is good enough for
// cost attribution; the cache in front of it keeps the call sites
// unchanged if a live rate source replaces the tables.
var instanceHourly = map[string]float64{
	"t3.nano":    0.0052,
	"t3.micro":   0.0104,
	"t3.small":   0.0208,
	"t3.medium":  0.0416,
	"t3.large":   0.0832,
	"m5.large":   0.096,
	"m5.xlarge":  0.192,
	"m5.2xlarge": 0.384,
	"c5.large":   0.085,
	"c5.xlarge":  0.17,
	"r5.large":   0.126,
	"r5.xlarge":  0.252,
}

var databaseHourly = map[string]float64{
	"db.t3.micro":  0.017,
	"db.t3.small":  0.034,
	"db.t3.medium": 0.068,
	"db.m5.large":  0.171,
	"db.m5.xlarge": 0.342,
	"db.r5.large":  0.24,
}

const loadBalancerHourly = 0.0225

// Pricing estimates steady-state monthly cost for provisioned resource
// classes. Usage-billed classes (S3, Lambda, SQS, IAM) get no estimate.
type Pricing struct {
	cache *cache.Cache
}

// NewPricing creates a pricing catalog with a 12h TTL cache.
func NewPricing() *Pricing {
	return &Pricing{cache: cache.New(pricingTTL, pricingCleanup)}
}

// InstanceMonthly returns the monthly estimate for an EC2 instance
// type, or nil when the type is not in the catalog.
func (p *Pricing) InstanceMonthly(instanceType string) *float64 {
	return p.monthly("ec2/"+instanceType, instanceHourly[instanceType])
}

// DatabaseMonthly returns the monthly estimate for an RDS instance
// class. Multi-AZ deployments run two instances.
func (p *Pricing) DatabaseMonthly(instanceClass string, multiAZ bool) *float64 {
	hourly := databaseHourly[instanceClass]
	key := fmt.Sprintf("rds/%s/multiaz=%t", instanceClass, multiAZ)
	if multiAZ {
		hourly *= 2
	}
	return p.monthly(key, hourly)
}

// LoadBalancerMonthly returns the flat ALB/NLB monthly estimate.
func (p *Pricing) LoadBalancerMonthly() *float64 {
	return p.monthly("elb/base", loadBalancerHourly)
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
