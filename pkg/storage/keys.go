package storage

import "fmt"

// Ledger key schema
//
//	acc:{venue}                     → account summary
//	pos:{venue}:{positionID}        → open position row
//	hist:{venue}:{closedAt}:{id}    → closed-position record (append-only)
//	hidx:{venue}:{id}               → hist key of that record
//	book:{venue}                    → venue gateway shadow book
//
// closedAt is zero-padded to 20 digits so a reverse scan yields newest first.
// Venue ids never contain ':' (see margin.ValidateVenueID).
const (
	prefixAccount  = "acc:"
	prefixPosition = "pos:"
	prefixHistory  = "hist:"
	prefixHistIdx  = "hidx:"
	prefixBook     = "book:"
)

func accountKey(venue string) []byte {
	return []byte(prefixAccount + venue)
}

func accountPrefix() []byte {
	return []byte(prefixAccount)
}

func positionKey(venue, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixPosition, venue, id))
}

func positionPrefix(venue string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixPosition, venue))
}

func historyKey(venue string, closedAt int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixHistory, venue, closedAt, id))
}

func historyPrefix(venue string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixHistory, venue))
}

func historyIndexKey(venue, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixHistIdx, venue, id))
}

func bookKey(venue string) []byte {
	return []byte(prefixBook + venue)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan:
// "pos:v1:" -> "pos:v1;"
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
