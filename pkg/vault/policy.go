package vault

// Importance floors per sweep strategy. Lower-importance shards are
// evicted first; the more destructive the strategy, the lower the floor
// it defaults to.
const (
	summarizeFloor = 40
	archiveFloor   = 30
	deleteFloor    = 20
)

const defaultSweepLimit = 50

// NormalizeSweepPolicy fills policy defaults for a sweep pass.
func NormalizeSweepPolicy(p SweepPolicy) SweepPolicy {
	if p.Strategy == "" {
		p.Strategy = SweepSummarize
	}
	if p.Limit <= 0 {
		p.Limit = defaultSweepLimit
	}
	if p.ImportanceFloor <= 0 {
		switch p.Strategy {
		case SweepArchive:
			p.ImportanceFloor = archiveFloor
		case SweepDelete:
			p.ImportanceFloor = deleteFloor
		default:
			p.ImportanceFloor = summarizeFloor
		}
	}
	p.Tags = normalizeTags(p.Tags)
	return p
}
