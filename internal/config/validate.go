package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidationResult reports the outcome of validating a document. Errors block
// initialization; warnings do not.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *ValidationResult) addError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate checks a document against the configuration rules. A schema mapped
// to more than one cluster is a hard error; a cluster without schemas is only
// a warning.
func Validate(doc Document) ValidationResult {
	res := ValidationResult{}

	if len(doc) == 0 {
		res.addError("at least one cluster must be configured")
		res.Valid = false
		return res
	}

	schemaOwners := make(map[string]string)

	for id, cluster := range doc {
		if cluster == nil {
			res.addError("cluster %s: configuration is empty", id)
			continue
		}

		if cluster.Primary == nil {
			res.addError("cluster %s: primary connection is required", id)
		} else {
			validateConnection(&res, id, "primary", cluster.Primary)
		}

		for i, replica := range cluster.Replicas {
			if replica == nil {
				res.addError("cluster %s: replica %d is empty", id, i)
				continue
			}
			validateConnection(&res, id, fmt.Sprintf("replica %d", i), replica)
		}

		if len(cluster.Schemas) == 0 {
			res.addWarning("cluster %s: no schemas configured", id)
		}
		for _, schema := range cluster.Schemas {
			if owner, ok := schemaOwners[schema]; ok && owner != id {
				res.addError("schema %s is mapped to both %s and %s", schema, owner, id)
				continue
			}
			schemaOwners[schema] = id
		}

		if cluster.ReadPreference != "" {
			switch cluster.ReadPreference {
			case ReadReplica, ReadPrimary, ReadAny:
			default:
				res.addError("cluster %s: invalid read_preference %q", id, cluster.ReadPreference)
			}
		}
		if cluster.ConsistencyLevel != "" {
			switch cluster.ConsistencyLevel {
			case ConsistencyEventual, ConsistencyStrong:
			default:
				res.addError("cluster %s: invalid consistency_level %q", id, cluster.ConsistencyLevel)
			}
		}
		if cluster.CacheStrategy != "" {
			switch cluster.CacheStrategy {
			case CacheAggressive, CacheConservative, CacheNone:
			default:
				res.addError("cluster %s: invalid cache_strategy %q", id, cluster.CacheStrategy)
			}
		}

		if cluster.Sharding != nil {
			validateSharding(&res, id, cluster.Sharding)
		}
		if cluster.LoadBalancing != nil {
			validateLoadBalancing(&res, id, cluster.LoadBalancing)
		}
	}

	res.Valid = len(res.Errors) == 0
	return res
}

func validateConnection(res *ValidationResult, clusterID, role string, conn *Connection) {
	if err := validate.Struct(conn); err != nil {
		var verrs validator.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok {
			for _, fe := range verrs {
				res.addError("cluster %s: %s: field %s failed %q", clusterID, role, fe.Field(), fe.Tag())
			}
			return
		}
		res.addError("cluster %s: %s: %v", clusterID, role, err)
	}
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

func validateSharding(res *ValidationResult, clusterID string, s *ShardingConfig) {
	switch s.Strategy {
	case ShardHash:
		if s.Partitions < 1 {
			res.addError("cluster %s: hash sharding requires partitions >= 1", clusterID)
		}
	case ShardRangeStrategy:
		if len(s.Ranges) == 0 {
			res.addError("cluster %s: range sharding requires ranges", clusterID)
		}
	case ShardDirectory:
		if len(s.Directory) == 0 {
			res.addError("cluster %s: directory sharding requires a directory", clusterID)
		}
	default:
		res.addError("cluster %s: invalid sharding strategy %q", clusterID, s.Strategy)
	}
	if s.Key == "" {
		res.addError("cluster %s: sharding requires a key", clusterID)
	}
}

func validateLoadBalancing(res *ValidationResult, clusterID string, lb *LoadBalancingConfig) {
	if !validBalancerStrategies[lb.Strategy] {
		res.addError("cluster %s: invalid load balancing strategy %q", clusterID, lb.Strategy)
		return
	}
	if lb.Strategy == "weighted" && len(lb.Weights) == 0 {
		res.addError("cluster %s: weighted load balancing requires weights", clusterID)
	}
}
