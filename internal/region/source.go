package region

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tinkerbelle-io/tb-power/internal/catalog"
	"github.com/tinkerbelle-io/tb-power/internal/protocol"
	"github.com/tinkerbelle-io/tb-power/internal/transport"
)

// RackSource fetches catalogs from connected racks through the directory.
type RackSource struct {
	dir *transport.Directory
}

// NewRackSource creates a catalog source over dir.
func NewRackSource(dir *transport.Directory) *RackSource {
	return &RackSource{dir: dir}
}

// Clusters lists the currently connected racks.
func (s *RackSource) Clusters() []string {
	return s.dir.Clusters()
}

// DescribePowerTypes asks one rack for its catalog documents. A rack that is
// not connected is an error; this does not wait for it.
func (s *RackSource) DescribePowerTypes(ctx context.Context, clusterID string) ([]catalog.TypeDoc, error) {
	c, ok := s.dir.Get(clusterID)
	if !ok {
		return nil, fmt.Errorf("cluster %s: %w", clusterID, transport.ErrConnectionUnavailable)
	}
	raw, err := c.Call(ctx, protocol.CommandDescribePowerTypes, struct{}{})
	if err != nil {
		return nil, err
	}
	var docs []catalog.TypeDoc
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("decode %s reply: %w", protocol.CommandDescribePowerTypes, err)
	}
	return docs, nil
}
