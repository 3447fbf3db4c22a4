package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Source lists reachable rack controllers and fetches their catalog documents.
type Source interface {
	Clusters() []string
	DescribePowerTypes(ctx context.Context, clusterID string) ([]TypeDoc, error)
}

// PowerTypes queries every cluster known to src, merges each returned catalog
// into reg and returns the flat name -> description view. Clusters are visited
// in sorted order so that, for conflicting definitions, the result does not
// depend on map iteration. With ignoreErrors a failing cluster is logged and
// skipped; otherwise the first failure is returned and later clusters are not
// queried (merges already applied stay applied).
func PowerTypes(ctx context.Context, src Source, reg *Registry, ignoreErrors bool) (map[string]string, error) {
	log := slog.Default().With("component", "catalog")

	clusters := append([]string(nil), src.Clusters()...)
	sort.Strings(clusters)

	for _, id := range clusters {
		if err := mergeCluster(ctx, src, reg, id); err != nil {
			if !ignoreErrors {
				return nil, err
			}
			log.Warn("skipping cluster during power type refresh", "cluster", id, "error", err)
		}
	}
	return reg.PowerTypes(), nil
}

func mergeCluster(ctx context.Context, src Source, reg *Registry, id string) error {
	docs, err := src.DescribePowerTypes(ctx, id)
	if err != nil {
		return fmt.Errorf("describe power types on cluster %s: %w", id, err)
	}
	c, err := Build(docs)
	if err != nil {
		return fmt.Errorf("catalog from cluster %s: %w", id, err)
	}
	if _, err := reg.Merge(c); err != nil {
		return fmt.Errorf("merge catalog from cluster %s: %w", id, err)
	}
	return nil
}
