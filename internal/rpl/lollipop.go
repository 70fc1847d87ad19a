package rpl

// Lollipop counter arithmetic (RFC 6550 §7.2): values above the circular
// region count up unbounded-ish before wrapping into the circular
// region, where comparisons tolerate wraparound within a small window.
const (
	lollipopMaxValue   = 255
	lollipopCircular   = 127
	lollipopSeqWindows = 16
)

func lollipopInit() uint8 { return lollipopMaxValue - lollipopSeqWindows + 1 }

func lollipopIncrement(c *uint8) {
	if *c > lollipopCircular {
		*c = (*c + 1) & lollipopMaxValue
	} else {
		*c = (*c + 1) & lollipopCircular
	}
}

// lollipopGreater reports whether a is "more recent" than b under
// lollipop comparison rules.
func lollipopGreater(a, b uint8) bool {
	if a > lollipopCircular && b <= lollipopCircular {
		return (lollipopMaxValue + 1 + int(b) - int(a)) > lollipopSeqWindows
	}
	return (a > b && int(a-b) < lollipopSeqWindows) ||
		(a < b && int(b-a) > (lollipopCircular+1-lollipopSeqWindows))
}
