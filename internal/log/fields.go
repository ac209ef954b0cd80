package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldWorkerID = "worker_id"
	FieldLibrary  = "library"
	FieldAssetID  = "asset_id"
	FieldRelPath  = "rel_path"

	// Process / pipeline fields
	FieldComponent = "component"
	FieldStage     = "stage"
	FieldStatus    = "status"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path fields
	FieldPath = "path"
)
