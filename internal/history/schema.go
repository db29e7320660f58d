package history

// BoltDB bucket names
const (
	BucketBuilds = "builds" // {seq big-endian} -> storedRecord
	BucketMeta   = "meta"   // schema_version

	KeySchemaVersion = "schema_version"
)

const (
	SchemaVersion = 1

	// DBFile is created inside the cache directory.
	DBFile = "history.db"

	// CompressThreshold is the encoded message size above which messages are
	// stored zstd-compressed.
	CompressThreshold = 4 * 1024

	// DefaultMaxRecords bounds the log; the oldest records are pruned first.
	DefaultMaxRecords = 500
)

// AllBuckets returns all bucket names for initialization
func AllBuckets() []string {
	return []string{BucketBuilds, BucketMeta}
}
