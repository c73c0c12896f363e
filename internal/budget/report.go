package budget

import (
	"fmt"
	"strings"
	"text/tabwriter"
)

// FormatReport renders all tier summaries as a multi-line table
func (l *Ledger) FormatReport() string {
	summaries := l.AllSummaries()
	if len(summaries) == 0 {
		return "No tasks recorded.\n"
	}

	var sb strings.Builder
	sb.WriteString("Budget report\n\n")

	w := tabwriter.NewWriter(&sb, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tTASKS\tTOTAL\tAVERAGE\tOVER SOFT")
	var count, overSoft int
	var total float64
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%d\t$%.4f\t$%.4f\t%d\n",
			s.Tier, s.Count, s.TotalCost, s.AverageCost, s.OverSoftCount)
		count += s.Count
		total += s.TotalCost
		overSoft += s.OverSoftCount
	}
	w.Flush()

	fmt.Fprintf(&sb, "\nTotal: %d tasks, $%.4f (%d over soft threshold)\n", count, total, overSoft)
	return sb.String()
}
