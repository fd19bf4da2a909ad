package ferrokv

// Stats is a point-in-time snapshot of database-wide counters, the
// introspection surface original_source/db_impl.h exposed and cmd/ferrokvctl
// needs: page accounting, the current transaction id, and the number of
// top-level buckets.
type Stats struct {
	PageSize       int
	PageCount      uint32
	FreePageCount  uint32
	PendingPages   int
	TxID           uint64
	TopLevelBucket int
}

// Stat reports counters gathered inside a fresh read-only View. TxID and
// TopLevelBucket come from that View's snapshot; the page counts are read
// from the pager's live state and can reflect an in-flight Update.
func (db *DB) Stat() (Stats, error) {
	var s Stats
	err := db.View(func(v *View) error {
		s.TxID = uint64(v.TxID())
		s.PageCount = db.pages.PageCount()
		s.FreePageCount = db.pages.FreePageCount()
		s.PendingPages = db.pages.PendingCount()
		s.PageSize = db.pageSize

		cur := v.UserBucket().Cursor()
		n := 0
		for _, _, isBucket, ok := cur.First(); ok; _, _, isBucket, ok = cur.Next() {
			if isBucket {
				n++
			}
		}
		s.TopLevelBucket = n
		return nil
	})
	return s, err
}
