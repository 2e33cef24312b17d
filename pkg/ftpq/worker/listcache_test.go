package worker

import (
	"testing"

	"github.com/halwen/ftpq/pkg/ftpq/conn"
)

func TestListingCache(t *testing.T) {
	lc := NewListingCache()

	if _, known := lc.Lookup("/inbox", "a.txt"); known {
		t.Error("empty cache must report unknown")
	}

	lc.Put("/inbox", []conn.Entry{{Name: "a.txt", Type: conn.EntryFile}})
	if exists, known := lc.Lookup("/inbox", "a.txt"); !known || !exists {
		t.Errorf("cached name: exists=%v known=%v", exists, known)
	}
	if exists, known := lc.Lookup("/inbox", "b.txt"); !known || exists {
		t.Errorf("absent name in cached dir: exists=%v known=%v", exists, known)
	}

	lc.Invalidate("/inbox")
	if _, known := lc.Lookup("/inbox", "a.txt"); known {
		t.Error("invalidated listing must report unknown")
	}
}
