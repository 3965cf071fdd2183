package coordinator

import (
	"strings"

	"sipvideoroom/native/internal/domain"
)

// slotTable hands out the feed slots 1..n, lowest free first.
type slotTable struct {
	used []bool
}

func newSlotTable(n int) *slotTable {
	if n < 1 {
		n = 1
	}
	return &slotTable{used: make([]bool, n)}
}

func (t *slotTable) acquire() (int, error) {
	for i, u := range t.used {
		if !u {
			t.used[i] = true
			return i + 1, nil
		}
	}
	return 0, domain.ErrNoFreeSlot
}

func (t *slotTable) release(slot int) {
	if slot >= 1 && slot <= len(t.used) {
		t.used[slot-1] = false
	}
}

func (t *slotTable) inUse() int {
	n := 0
	for _, u := range t.used {
		if u {
			n++
		}
	}
	return n
}

// videoSupported applies the vendor codec policy: Safari cannot decode VP9,
// and VP8 only when the deployment enables it.
func videoSupported(vendor string, safariVP8 bool, codec string) bool {
	codec = strings.ToLower(codec)
	switch strings.ToLower(vendor) {
	case "safari":
		switch codec {
		case "vp9":
			return false
		case "vp8":
			return safariVP8
		}
	}
	return true
}
