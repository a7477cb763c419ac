package registry

import (
	"sort"
	"strings"

	"github.com/iliyamo/seat-sync/internal/model"
)

// sortSeats orders seats for display: rows by their alphabetical index (A, B,
// ..., Z, AA) and then by column.
func sortSeats(seats []model.Seat) {
	sort.SliceStable(seats, func(i, j int) bool {
		ri, rj := rowIndex(seats[i].Row), rowIndex(seats[j].Row)
		if ri != rj {
			return ri < rj
		}
		if seats[i].Row != seats[j].Row {
			return seats[i].Row < seats[j].Row
		}
		if seats[i].Column != seats[j].Column {
			return seats[i].Column < seats[j].Column
		}
		return seats[i].ID < seats[j].ID
	})
}

// rowIndex converts a row label like A or AA into its zero-based index.
// Labels that are not purely A-Z sort after all valid ones.
func rowIndex(label string) int {
	s := strings.ToUpper(strings.TrimSpace(label))
	if s == "" {
		return 1 << 30
	}
	n := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch < 'A' || ch > 'Z' {
			return 1 << 30
		}
		n = n*26 + int(ch-'A'+1)
	}
	return n - 1
}
