package payout

// Totals aggregates a slice of ledger rows.
//
// Sessions counts every row. Priced and Unresolved split it by whether the
// row has an owed amount. OwedCents sums owed amounts of priced rows only;
// unresolved rows contribute nothing.
type Totals struct {
	Sessions   int
	Priced     int
	Unresolved int
	OwedCents  int64
}

// Aggregate computes totals over rows.
func Aggregate(rows []LedgerRow) Totals {
	var t Totals
	for _, r := range rows {
		t.Sessions++
		if r.OwedCents == nil {
			t.Unresolved++
			continue
		}
		t.Priced++
		t.OwedCents += *r.OwedCents
	}
	return t
}

// Summary is the read projection shown next to a ledger listing.
type Summary struct {
	Totals
	UniqueAthletes int
}

// Summarize aggregates rows and counts distinct athletes.
func Summarize(rows []LedgerRow) Summary {
	athletes := make(map[int64]struct{}, len(rows))
	for _, r := range rows {
		athletes[r.AthleteID] = struct{}{}
	}
	return Summary{Totals: Aggregate(rows), UniqueAthletes: len(athletes)}
}
