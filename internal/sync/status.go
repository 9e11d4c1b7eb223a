package sync

import "marksync/internal/store"

// Status is the displayed sync class of one document.
type Status string

const (
	// StatusNoSync means synchronization is not configured at all: no
	// authenticated session or no target repository.
	StatusNoSync Status = "no-sync"

	// StatusLocalOnly means the document has never been assigned a remote
	// path.
	StatusLocalOnly Status = "local-only"

	// StatusSynced means the document matches the remote as of the last
	// sync, compared at whole-second granularity. A document that has a
	// remote path but has never completed a sync is reported synced
	// optimistically rather than alarming the user.
	StatusSynced Status = "synced"

	// StatusOutOfSync means local modifications postdate the last sync.
	StatusOutOfSync Status = "out-of-sync"

	// StatusConflict means the last push was rejected because the remote
	// moved; the user must pick a side.
	StatusConflict Status = "conflicts"
)

// StatusInfo is the full presentation of a status: the class plus the
// icon and tooltip editor surfaces render for it.
type StatusInfo struct {
	Class   Status `json:"class"`
	Icon    string `json:"icon"`
	Tooltip string `json:"tooltip"`
}

// Info expands a status class into its display form.
func (s Status) Info() StatusInfo {
	switch s {
	case StatusLocalOnly:
		return StatusInfo{Class: s, Icon: "cloud-off", Tooltip: "Not synced to a repository"}
	case StatusSynced:
		return StatusInfo{Class: s, Icon: "cloud-done", Tooltip: "Synced with repository"}
	case StatusOutOfSync:
		return StatusInfo{Class: s, Icon: "cloud-upload", Tooltip: "Local changes not yet pushed"}
	case StatusConflict:
		return StatusInfo{Class: s, Icon: "cloud-alert", Tooltip: "Remote changed since last sync, resolution needed"}
	default:
		return StatusInfo{Class: StatusNoSync, Icon: "cloud-disabled", Tooltip: "Sync is not configured"}
	}
}

// Surface receives sync status updates for display. The same document
// instance is handed to every registered surface of one notification.
type Surface interface {
	SyncStatusChanged(doc *store.Document, status Status)
}

// deriveStatus classifies one document. Timestamps are truncated to whole
// seconds so storage backends that round sub-second precision cannot flap
// a freshly synced document to out-of-sync.
func deriveStatus(doc *store.Document, enabled, conflicted bool) Status {
	if !enabled {
		return StatusNoSync
	}
	if conflicted {
		return StatusConflict
	}
	if doc.RemotePath == "" {
		return StatusLocalOnly
	}
	if doc.LastSyncedAt == nil {
		return StatusSynced
	}
	if doc.LastModifiedAt.Unix() > doc.LastSyncedAt.Unix() {
		return StatusOutOfSync
	}
	return StatusSynced
}
