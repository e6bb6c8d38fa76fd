package domain

const (
	StoreMood          = "mood"
	StoreJournal       = "journal"
	StoreMedication    = "medication"
	StoreProfile       = "profile"
	StoreCrisisReports = "crisisReports"
	StoreSafetyPlans   = "safetyPlans"
	StoreOfflineData   = "offlineData"
)

// StoreSpec describes one named collection of records. Indexes lists the
// top-level payload fields that get a secondary index.
type StoreSpec struct {
	Name      string   `json:"name"`
	Sensitive bool     `json:"sensitive"`
	Indexes   []string `json:"indexes,omitempty"`
}

func DefaultStores() []StoreSpec {
	return []StoreSpec{
		{Name: StoreMood, Sensitive: true, Indexes: []string{"date"}},
		{Name: StoreJournal, Sensitive: true, Indexes: []string{"date"}},
		{Name: StoreMedication, Sensitive: true, Indexes: []string{"name"}},
		{Name: StoreProfile, Sensitive: true},
		{Name: StoreCrisisReports, Indexes: []string{"severity"}},
		{Name: StoreSafetyPlans, Indexes: []string{"userId"}},
		{Name: StoreOfflineData, Indexes: []string{"type"}},
	}
}

const BackupFormatVersion = 1

type Backup struct {
	FormatVersion int                      `json:"format_version"`
	ExportedAt    int64                    `json:"exported_at"`
	Stores        map[string][]*DataRecord `json:"stores"`
}

type StorageMetadata struct {
	TotalSize      int64            `json:"total_size"`
	AvailableSpace int64            `json:"available_space"`
	SoftCap        int64            `json:"soft_cap"`
	Usage          map[string]int64 `json:"usage"`
	Caches         []PartitionUsage `json:"caches"`
	LastCleanupAt  int64            `json:"last_cleanup_at"`
	Persistent     bool             `json:"persistent"`
}

type CleanupReport struct {
	StartedAt      int64    `json:"started_at"`
	Triggered      bool     `json:"triggered"`
	UsageBefore    int64    `json:"usage_before"`
	UsageAfter     int64    `json:"usage_after"`
	RecordsDeleted int      `json:"records_deleted"`
	CachesCleared  []string `json:"caches_cleared,omitempty"`
}
