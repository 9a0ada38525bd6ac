package configuration

// DefaultMaxBatchSize bounds how many rows the replication path accumulates
// before flushing to local storage when no per-database override is set.
const DefaultMaxBatchSize = 65536

// MirrorSettings is the per-database settings bundle carried by the
// `CREATE DATABASE ... ENGINE` definition. Zero values mean "unset".
type MirrorSettings struct {
	// MaxBatchSize overrides the global batch size when positive.
	MaxBatchSize int
	// TablesList is a comma-separated, macro-expandable list of table names
	// to mirror. Empty means "mirror whatever the publication exposes".
	TablesList string
}

// EffectiveMaxBatchSize resolves the batch size for a database: the settings
// override when present, the global default otherwise.
func (s *MirrorSettings) EffectiveMaxBatchSize() int {
	if s != nil && s.MaxBatchSize > 0 {
		return s.MaxBatchSize
	}
	return GlobalMaxBatchSize()
}

// MirrorTables returns the macro-expanded, split table list.
func (s *MirrorSettings) MirrorTables() []string {
	if s == nil {
		return nil
	}
	return ExpandTablesList(s.TablesList)
}
