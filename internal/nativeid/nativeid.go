// Package nativeid parses provider-native resource identifiers into their
// structural parts. Adapters use it to derive taxonomy types and the engine
// uses it to resolve edge endpoints given only an identifier string.
package nativeid

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"

	"github.com/opsgraph/opsgraph/internal/graph"
)

// Parsed is the decomposition of a native identifier. Fields that the
// identifier does not encode stay empty.
type Parsed struct {
	Partition    string
	Service      string
	Region       string
	Account      string
	ResourceType string
	ResourceID   string
}

// IsARN reports whether the string looks like an AWS ARN.
func IsARN(s string) bool {
	return arn.IsARN(s)
}

// Parse decomposes a native identifier. ARNs decompose fully; slash-form
// identifiers (kubernetes "pod/default/web", GCP resource paths) split into
// a leading type and the remainder; anything else is returned whole as the
// resource id. Parse never fails: an opaque id is still an id.
func Parse(s string) Parsed {
	if arn.IsARN(s) {
		return parseARN(s)
	}
	if p, ok := parseGCPPath(s); ok {
		return p
	}
	if i := strings.Index(s, "/"); i > 0 {
		return Parsed{ResourceType: s[:i], ResourceID: s[i+1:]}
	}
	return Parsed{ResourceID: s}
}

// parseARN splits the resource portion on the first ":" or "/", whichever
// comes first. "role/app-role" and "instance:i-abc" both decompose into a
// type and an id; bare resources ("my-bucket") have no type part.
func parseARN(s string) Parsed {
	a, err := arn.Parse(s)
	if err != nil {
		return Parsed{ResourceID: s}
	}
	p := Parsed{
		Partition: a.Partition,
		Service:   a.Service,
		Region:    a.Region,
		Account:   a.AccountID,
	}
	res := a.Resource
	colon := strings.Index(res, ":")
	slash := strings.Index(res, "/")
	cut := -1
	switch {
	case colon >= 0 && (slash < 0 || colon < slash):
		cut = colon
	case slash >= 0:
		cut = slash
	}
	if cut >= 0 {
		p.ResourceType = res[:cut]
		p.ResourceID = res[cut+1:]
	} else {
		p.ResourceID = res
	}
	return p
}

// parseGCPPath handles "projects/<project>/..." resource paths, reading
// the trailing collection/name pair as the type and id and any zone or
// region segment along the way.
func parseGCPPath(s string) (Parsed, bool) {
	if !strings.HasPrefix(s, "projects/") {
		return Parsed{}, false
	}
	parts := strings.Split(s, "/")
	if len(parts) < 4 || len(parts)%2 != 0 {
		return Parsed{}, false
	}
	p := Parsed{Service: "gcp", Account: parts[1]}
	for i := 2; i+1 < len(parts); i += 2 {
		switch parts[i] {
		case "zones", "regions", "locations":
			p.Region = parts[i+1]
		default:
			p.ResourceType = parts[i]
			p.ResourceID = parts[i+1]
		}
	}
	if p.ResourceID == "" {
		return Parsed{}, false
	}
	return p, true
}

// awsServiceTypes maps (service, resource prefix) pairs to the taxonomy.
// The empty resource key is the service default.
var awsServiceTypes = map[string]map[string]graph.ResourceType{
	"ec2": {
		"instance":       graph.TypeCompute,
		"volume":         graph.TypeStorage,
		"vpc":            graph.TypeVPC,
		"subnet":         graph.TypeSubnet,
		"security-group": graph.TypeSecurityGroup,
		"natgateway":     graph.TypeNetwork,
		"":               graph.TypeCompute,
	},
	"rds":                  {"": graph.TypeDatabase},
	"dynamodb":             {"": graph.TypeDatabase},
	"s3":                   {"": graph.TypeStorage},
	"lambda":               {"": graph.TypeFunction},
	"elasticloadbalancing": {"": graph.TypeLoadBalancer},
	"elasticache":          {"": graph.TypeCache},
	"cloudfront":           {"": graph.TypeCDN},
	"route53":              {"": graph.TypeDNS},
	"iam":                  {"": graph.TypeIdentity},
	"sts":                  {"": graph.TypeIdentity},
	"sqs":                  {"": graph.TypeQueue},
	"sns":                  {"": graph.TypeTopic},
	"execute-api":          {"": graph.TypeAPIGateway},
	"apigateway":           {"": graph.TypeAPIGateway},
	"ecs":                  {"": graph.TypeContainer},
	"eks":                  {"": graph.TypeContainer},
}

// ResourceTypeFor maps an AWS service and resource prefix to the taxonomy.
// Unknown services map to custom rather than failing.
func ResourceTypeFor(service, resource string) graph.ResourceType {
	byResource, ok := awsServiceTypes[service]
	if !ok {
		return graph.TypeCustomRes
	}
	if rt, ok := byResource[resource]; ok {
		return rt
	}
	if rt, ok := byResource[""]; ok {
		return rt
	}
	return graph.TypeCustomRes
}

// ResourceTypeOf classifies a full native identifier, combining Parse and
// ResourceTypeFor. Non-ARN identifiers classify as custom.
func ResourceTypeOf(s string) graph.ResourceType {
	if !arn.IsARN(s) {
		return graph.TypeCustomRes
	}
	p := parseARN(s)
	return ResourceTypeFor(p.Service, p.ResourceType)
}
