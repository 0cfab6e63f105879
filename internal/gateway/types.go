package gateway

// Schedule is a persisted cron schedule that starts scans.
type Schedule struct {
	ID          int64  `db:"id"          json:"id"`
	Name        string `db:"name"        json:"name"`
	Description string `db:"description" json:"description"`
	Expr        string `db:"expr"        json:"expr"`
	Target      string `db:"target"      json:"target"`
	ScanType    string `db:"scan_type"   json:"scan_type"`
	Profile     string `db:"profile"     json:"profile,omitempty"`
	Enabled     bool   `db:"enabled"     json:"enabled"`
	LastRunAt   string `db:"last_run_at" json:"last_run_at,omitempty"`
	CreatedAt   string `db:"created_at"  json:"created_at"`
	UpdatedAt   string `db:"updated_at"  json:"updated_at"`
}

// HeartbeatStatus is the /health payload.
type HeartbeatStatus struct {
	// Status is "idle" (no scans), "alive" (scans progressing), or
	// "stuck" (scans active but no engine activity for a while).
	Status         string `json:"status"`
	ActiveScans    int    `json:"active_scans"`
	LastActivityAt string `json:"last_activity_at,omitempty"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Message        string `json:"message,omitempty"`
}
