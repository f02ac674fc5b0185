package forecast

import (
	"context"
	"errors"
	"fmt"

	"github.com/routespark/routespark/internal/docstore"
	"github.com/routespark/routespark/internal/domain"
)

// floorDoc is the per-route expiry floor document. The order entry
// boundary maintains one document per route; each entry pins a minimum
// quantity for a (store, sap) until its expiry date passes.
type floorDoc struct {
	Entries []domain.ExpiryFloor `json:"entries"`
}

// DocFloorProvider reads low-quantity expiry entries from the document
// store. Routes without a floor document simply have no floors.
type DocFloorProvider struct {
	docs *docstore.Store
}

// NewDocFloorProvider creates a document-store backed floor provider.
func NewDocFloorProvider(docs *docstore.Store) *DocFloorProvider {
	return &DocFloorProvider{docs: docs}
}

// FloorsForRoute returns the route's expiry floor entries, or nil when
// the route has none.
func (p *DocFloorProvider) FloorsForRoute(ctx context.Context, route string) ([]domain.ExpiryFloor, error) {
	var doc floorDoc
	if err := p.docs.Get(ctx, docstore.ColExpiryFloors, route, &doc); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load expiry floors for route %s: %w", route, err)
	}
	return doc.Entries, nil
}
