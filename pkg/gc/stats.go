package gc

import (
	"fmt"
)

// RepoStatistics summarizes the object and ref storage.
type RepoStatistics struct {
	NumberOfPackedObjects int
	NumberOfPackFiles     int
	SizeOfPackedObjects   int64
	NumberOfLooseObjects  int
	SizeOfLooseObjects    int64
	NumberOfLooseRefs     int
	NumberOfPackedRefs    int
	NumberOfBitmaps       int
}

// Statistics counts packs, loose objects and refs. It only reads.
func (c *Collector) Statistics() (RepoStatistics, error) {
	var st RepoStatistics

	packs, err := c.store.Packs()
	if err != nil {
		return st, fmt.Errorf("statistics: %w", err)
	}
	for _, p := range packs {
		st.NumberOfPackFiles++
		st.NumberOfPackedObjects += p.Index.Count()
		st.SizeOfPackedObjects += p.Size
		if p.HasBitmap {
			st.NumberOfBitmaps++
		}
	}

	for i := 0; i < 256; i++ {
		loose, err := c.store.LooseObjectsIn(fmt.Sprintf("%02x", i))
		if err != nil {
			return st, fmt.Errorf("statistics: %w", err)
		}
		for _, lo := range loose {
			st.NumberOfLooseObjects++
			st.SizeOfLooseObjects += lo.Size
		}
	}

	refs, err := c.refs.Refs()
	if err != nil {
		return st, fmt.Errorf("statistics: list refs: %w", err)
	}
	for _, r := range refs {
		if r.IsSymbolic() {
			continue
		}
		switch r.Storage {
		case StoragePacked:
			st.NumberOfPackedRefs++
		default:
			st.NumberOfLooseRefs++
		}
	}
	return st, nil
}
