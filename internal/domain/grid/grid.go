// Package grid enumerates the fixed coarse grid that signals are bucketed into.
package grid

import (
	"errors"
	"fmt"
)

// ErrInvalidGrid is returned for non-positive dimensions or inverted bounds.
var ErrInvalidGrid = errors.New("invalid grid")

// Bounds is a lon/lat bounding box.
type Bounds struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Cell is one grid bucket. Row and Col are 1-based.
type Cell struct {
	ID     string `json:"id"`
	Row    int    `json:"row"`
	Col    int    `json:"col"`
	Bounds Bounds `json:"bounds"`
}

// Catalog is the immutable set of grid cells. It is safe for concurrent use.
type Catalog struct {
	rows, cols int
	bounds     Bounds
	cells      []Cell
	index      map[string]int
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithDimensions sets the number of rows and columns.
func WithDimensions(rows, cols int) Option {
	return func(c *Catalog) {
		c.rows, c.cols = rows, cols
	}
}

// WithBounds sets the area covered by the grid.
func WithBounds(b Bounds) Option {
	return func(c *Catalog) {
		c.bounds = b
	}
}

// DefaultBounds is the area the service was first deployed for.
var DefaultBounds = Bounds{West: 126.94, South: 37.50, East: 127.06, North: 37.59}

// New builds the catalog. Cells are ordered row-major from the south-west corner.
func New(opts ...Option) (*Catalog, error) {
	c := &Catalog{rows: 5, cols: 5, bounds: DefaultBounds}
	for _, opt := range opts {
		opt(c)
	}
	if c.rows <= 0 || c.cols <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidGrid, c.rows, c.cols)
	}
	if c.bounds.West >= c.bounds.East || c.bounds.South >= c.bounds.North {
		return nil, fmt.Errorf("%w: bounds %+v", ErrInvalidGrid, c.bounds)
	}

	stepX := (c.bounds.East - c.bounds.West) / float64(c.cols)
	stepY := (c.bounds.North - c.bounds.South) / float64(c.rows)
	c.cells = make([]Cell, 0, c.rows*c.cols)
	c.index = make(map[string]int, c.rows*c.cols)
	for r := 0; r < c.rows; r++ {
		for col := 0; col < c.cols; col++ {
			x0 := c.bounds.West + float64(col)*stepX
			y0 := c.bounds.South + float64(r)*stepY
			cell := Cell{
				ID:     CellID(r+1, col+1),
				Row:    r + 1,
				Col:    col + 1,
				Bounds: Bounds{West: x0, South: y0, East: x0 + stepX, North: y0 + stepY},
			}
			c.index[cell.ID] = len(c.cells)
			c.cells = append(c.cells, cell)
		}
	}
	return c, nil
}

// CellID formats the identifier of the cell at 1-based row and col.
func CellID(row, col int) string {
	return fmt.Sprintf("g_r%d_c%d", row, col)
}

// IDs returns every cell identifier in catalog order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.cells))
	for i, cell := range c.cells {
		ids[i] = cell.ID
	}
	return ids
}

// Len returns the number of cells.
func (c *Catalog) Len() int { return len(c.cells) }

// Contains reports whether id names a cell of this catalog.
func (c *Catalog) Contains(id string) bool {
	_, ok := c.index[id]
	return ok
}

// Cell returns the cell with the given id.
func (c *Catalog) Cell(id string) (Cell, bool) {
	i, ok := c.index[id]
	if !ok {
		return Cell{}, false
	}
	return c.cells[i], true
}

// Bounds returns the area covered by the catalog.
func (c *Catalog) Bounds() Bounds { return c.bounds }
