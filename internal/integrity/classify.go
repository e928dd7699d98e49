package integrity

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"guard-service/internal/models"
)

// diff compares two snapshots of the same resource. It returns nil when the
// checksums match.
func diff(prev, next models.ResourceSnapshot, prof TypeProfile, p Policy) *models.IntegrityChange {
	if prev.Checksum == next.Checksum {
		return nil
	}

	delta := next.ByteSize - prev.ByteSize
	absDelta := delta
	if absDelta < 0 {
		absDelta = -absDelta
	}
	pct := deltaPercent(prev.ByteSize, next.ByteSize)
	mdDelta, maxItemDelta := metadataDelta(prev.Metadata, next.Metadata)

	change := &models.IntegrityChange{
		ID:            uuid.NewString(),
		ResourceID:    next.ResourceID,
		ResourceType:  next.ResourceType,
		DetectedAt:    next.Timestamp,
		OldChecksum:   prev.Checksum,
		NewChecksum:   next.Checksum,
		OldSize:       prev.ByteSize,
		NewSize:       next.ByteSize,
		SizeDelta:     delta,
		DeltaPercent:  pct,
		MetadataDelta: mdDelta,
	}

	switch {
	case next.ByteSize == 0 && prev.ByteSize > 0:
		change.ChangeType = models.ChangeDeleted
	case prev.ByteSize == 0 && next.ByteSize > 0:
		change.ChangeType = models.ChangeAdded
	case absDelta > p.LargeDeltaBytes,
		prof.Sensitive && absDelta > p.SensitiveDeltaBytes,
		maxItemDelta > p.ItemCountDelta,
		pct > p.SuspiciousPercent:
		change.ChangeType = models.ChangeSuspicious
	default:
		change.ChangeType = models.ChangeModified
	}

	change.Severity = severityFor(change.ChangeType, pct, prof)
	change.Authorized = authorize(absDelta, prof, p)
	return change
}

func deltaPercent(oldSize, newSize int64) float64 {
	if oldSize == 0 {
		if newSize == 0 {
			return 0
		}
		return 100
	}
	return math.Abs(float64(newSize-oldSize)) / float64(oldSize) * 100
}

// metadataDelta returns the signed per-key differences and the largest
// absolute one. Keys present on one side only count from zero.
func metadataDelta(prev, next map[string]int) (map[string]int, int) {
	out := map[string]int{}
	maxAbs := 0
	record := func(k string, d int) {
		if d == 0 {
			return
		}
		out[k] = d
		if d < 0 {
			d = -d
		}
		if d > maxAbs {
			maxAbs = d
		}
	}
	for k, v := range next {
		record(k, v-prev[k])
	}
	for k, v := range prev {
		if _, ok := next[k]; !ok {
			record(k, -v)
		}
	}
	if len(out) == 0 {
		return nil, 0
	}
	return out, maxAbs
}

func severityFor(ct models.ChangeType, pct float64, prof TypeProfile) models.Severity {
	if prof.Sensitive {
		return models.SeverityCritical
	}
	sev := models.SeverityInfo
	switch {
	case pct >= 50:
		sev = models.SeverityError
	case pct >= 20:
		sev = models.SeverityWarning
	}
	if ct == models.ChangeSuspicious && sev.Rank() < models.SeverityWarning.Rank() {
		sev = models.SeverityWarning
	}
	return sev
}

func authorize(absDelta int64, prof TypeProfile, p Policy) bool {
	switch {
	case prof.Sensitive:
		return false
	case prof.Trusted:
		return true
	case prof.SmallDeltaAuthorized && absDelta < p.SmallDeltaBytes:
		return true
	default:
		return p.DefaultAuthorized
	}
}

// isViolation reports whether a change must raise an immediate alert.
func isViolation(c *models.IntegrityChange) bool {
	return !c.Authorized || c.Severity == models.SeverityCritical
}

func changeMessage(c *models.IntegrityChange) string {
	sign := "+"
	abs := c.SizeDelta
	if abs < 0 {
		sign = "-"
		abs = -abs
	}
	return fmt.Sprintf("%s %s %s: %s -> %s (%s%s, %.1f%%)",
		c.ResourceType, c.ResourceID, c.ChangeType,
		humanize.Bytes(uint64(c.OldSize)), humanize.Bytes(uint64(c.NewSize)),
		sign, humanize.Bytes(uint64(abs)), c.DeltaPercent)
}
