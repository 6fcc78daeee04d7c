package loadgen

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/okian/outreachops/internal/domain/model"
	"github.com/okian/outreachops/internal/mirror"
)

// verifySurface checks the ordering rules of a published surface: ranks are
// 1..n in order, publishable cells precede data insufficient ones, priority
// never increases among publishable cells and bands agree with insufficiency.
func verifySurface(snap mirror.Snapshot) error {
	seenInsufficient := false
	for i, c := range snap.Cells {
		if c.Rank != i+1 {
			return fmt.Errorf("%w: %s has rank %d at position %d", ErrSurface, c.CellID, c.Rank, i+1)
		}
		if (c.Band == model.BandDataInsufficient) != c.DataInsufficient {
			return fmt.Errorf("%w: %s band %s disagrees with data_insufficient=%t", ErrSurface, c.CellID, c.Band, c.DataInsufficient)
		}
		if c.DataInsufficient {
			seenInsufficient = true
			continue
		}
		if seenInsufficient {
			return fmt.Errorf("%w: publishable %s ranked after an insufficient cell", ErrSurface, c.CellID)
		}
		if i > 0 && c.Priority > snap.Cells[i-1].Priority {
			return fmt.Errorf("%w: %s priority %.2f above rank %d", ErrSurface, c.CellID, c.Priority, i)
		}
	}
	return nil
}

// WriteReport prints the top cells of the surface as a table.
func WriteReport(w io.Writer, snap mirror.Snapshot, top int) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "mode: %s\tbacklog: %d\tavg response: %d min\n", snap.Mode, snap.Metrics.Backlog, snap.Metrics.AvgResponseMinutes)
	fmt.Fprintln(tw, "RANK\tCELL\tBAND\tPRIORITY\tDEMAND\tCAPACITY\tDISTINCT\tANOMALY")
	for i, c := range snap.Cells {
		if i >= top {
			break
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.2f\t%.2f\t%.0f\t%d\t%t\n",
			c.Rank, c.CellID, c.Band, c.Priority, c.Demand, c.CapacityScore, c.DistinctCount, c.Anomaly)
	}
	_ = tw.Flush()
}
