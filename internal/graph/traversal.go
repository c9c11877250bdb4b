package graph

// ImpactRelationships are the edge types a failure or change propagates
// along. Blast-radius traversal follows them in both directions.
var ImpactRelationships = []RelationshipType{
	RelUses, RelConnectsTo, RelTriggers, RelDependsOn, RelContains,
}

// DependencyRelationships are the edge types that express a hard runtime
// dependency. Dependency chains and single-point-of-failure analysis
// follow them.
var DependencyRelationships = []RelationshipType{
	RelUses, RelDependsOn, RelRunsIn, RelMemberOf,
}

// IsImpact reports whether the relationship carries impact.
func IsImpact(rt RelationshipType) bool {
	for _, t := range ImpactRelationships {
		if t == rt {
			return true
		}
	}
	return false
}

// IsDependency reports whether the relationship expresses a dependency.
func IsDependency(rt RelationshipType) bool {
	for _, t := range DependencyRelationships {
		if t == rt {
			return true
		}
	}
	return false
}
