package grid

// FeatureCollection is a GeoJSON feature collection of the grid cells.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
	// BBox is [west, south, east, north].
	BBox [4]float64 `json:"bbox"`
}

// Feature is a single cell polygon.
type Feature struct {
	Type       string            `json:"type"`
	Properties map[string]string `json:"properties"`
	Geometry   Polygon           `json:"geometry"`
}

// Polygon is a GeoJSON polygon; the first ring is the exterior and is closed.
type Polygon struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

// Ring returns the closed exterior ring of b in lon/lat order.
func (b Bounds) Ring() [][2]float64 {
	return [][2]float64{
		{b.West, b.South},
		{b.East, b.South},
		{b.East, b.North},
		{b.West, b.North},
		{b.West, b.South},
	}
}

// FeatureCollection renders the catalog for map layers.
func (c *Catalog) FeatureCollection() FeatureCollection {
	fc := FeatureCollection{
		Type:     "FeatureCollection",
		Features: make([]Feature, len(c.cells)),
		BBox:     [4]float64{c.bounds.West, c.bounds.South, c.bounds.East, c.bounds.North},
	}
	for i, cell := range c.cells {
		fc.Features[i] = Feature{
			Type:       "Feature",
			Properties: map[string]string{"grid_id": cell.ID},
			Geometry:   Polygon{Type: "Polygon", Coordinates: [][][2]float64{cell.Bounds.Ring()}},
		}
	}
	return fc
}
