package db

// Session types.
const (
	TypeClaudeCode = "claude-code"
	TypeShell      = "shell"
	TypeOneOff     = "one-off"
	TypeCustom     = "custom"
)

// Session statuses.
const (
	StatusRunning     = "running"
	StatusPaused      = "paused"
	StatusWaiting     = "waiting"
	StatusError       = "error"
	StatusExited      = "exited"
	StatusRateLimited = "rate_limited"
)

// Command sources.
const (
	SourceUser   = "user"
	SourceAuto   = "auto"
	SourceSystem = "system"
)

// Event types.
const (
	EventInputRequired = "input_required"
	EventTokenWarning  = "token_warning"
	EventError         = "error"
	EventCompleted     = "completed"
	EventRateLimit     = "rate_limit"
	EventAutoResponse  = "auto_response"
	EventSystem        = "system"
)

type Session struct {
	ID           string `gorm:"column:id;primaryKey"`
	Number       int    `gorm:"column:number;not null"`
	Alias        string `gorm:"column:alias;not null"`
	Type         string `gorm:"column:type;not null;check:type IN ('claude-code','shell','one-off','custom')"`
	WorkingDir   string `gorm:"column:working_dir;not null"`
	MuxSession   string `gorm:"column:mux_session;not null"`
	MuxPaneID    string `gorm:"column:mux_pane_id;not null;default:''"`
	PID          int    `gorm:"column:pid;not null;default:0"`
	Status       string `gorm:"column:status;not null;default:'running';check:status IN ('running','paused','waiting','error','exited','rate_limited')"`
	ColorToken   string `gorm:"column:color_token;not null;default:''"`
	TokenUsed    int    `gorm:"column:token_used;not null;default:0"`
	TokenLimit   int    `gorm:"column:token_limit;not null;default:45"`
	LastActivity int64  `gorm:"column:last_activity;not null;default:0"`
	LastSummary  string `gorm:"column:last_summary;not null;default:''"`
	CreatedAt    int64  `gorm:"column:created_at;not null;default:0"`
	UpdatedAt    int64  `gorm:"column:updated_at;not null;default:0"`
}

func (Session) TableName() string { return "sessions" }

// Active reports whether the session still occupies a number, alias and
// concurrency slot.
func (s Session) Active() bool { return s.Status != StatusExited }

type Command struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID string `gorm:"column:session_id;not null"`
	Source    string `gorm:"column:source;not null;check:source IN ('user','auto','system')"`
	Input     string `gorm:"column:input;not null"`
	Context   string `gorm:"column:context;not null;default:''"`
	Timestamp int64  `gorm:"column:timestamp;not null;default:0"`
}

func (Command) TableName() string { return "commands" }

type AutoRule struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Pattern   string `gorm:"column:pattern;not null"`
	Response  string `gorm:"column:response;not null"`
	MatchType string `gorm:"column:match_type;not null;default:'contains';check:match_type IN ('regex','contains','exact')"`
	Enabled   bool   `gorm:"column:enabled;not null;default:true"`
	HitCount  int    `gorm:"column:hit_count;not null;default:0"`
	CreatedAt int64  `gorm:"column:created_at;not null;default:0"`
}

func (AutoRule) TableName() string { return "auto_rules" }

type Event struct {
	ID                int64  `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID         string `gorm:"column:session_id;not null;default:''"`
	EventType         string `gorm:"column:event_type;not null;check:event_type IN ('input_required','token_warning','error','completed','rate_limit','auto_response','system')"`
	Message           string `gorm:"column:message;not null"`
	Acknowledged      bool   `gorm:"column:acknowledged;not null;default:false"`
	PlatformMessageID int64  `gorm:"column:platform_message_id;not null;default:0"`
	Timestamp         int64  `gorm:"column:timestamp;not null;default:0"`
}

func (Event) TableName() string { return "events" }

// OutboxMessage is one notification awaiting platform reachability.
// Drained FIFO by ID once connectivity returns.
type OutboxMessage struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Text      string `gorm:"column:text;not null"`
	Silent    bool   `gorm:"column:silent;not null;default:false"`
	CreatedAt int64  `gorm:"column:created_at;not null;default:0"`
}

func (OutboxMessage) TableName() string { return "outbox" }
