package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zond/swarmbot"

	goccy "github.com/goccy/go-json"
)

const AuditFile = "audit.log"

// AuditLogger appends operator actions to a file, one JSON object per line.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
	enc  *goccy.Encoder
}

// AuditOperator identifies one console connection.
type AuditOperator struct {
	Name       string `json:"name"`
	Remote     string `json:"remote,omitempty"`
	Connection string `json:"connection"`
}

// StdinOperator is the operator at the process terminal.
func StdinOperator() AuditOperator {
	return AuditOperator{Name: "stdin", Connection: "stdin"}
}

// AuditData is the interface for typed audit event data.
type AuditData interface {
	auditData()
}

type AuditEntry struct {
	Time string `json:"time"`
	// Session is the bot session the event concerns, if any.
	Session string    `json:"session,omitempty"`
	Event   string    `json:"event"`
	Data    AuditData `json:"data"`
}

// AuditConsoleLogin is logged when an operator connects to the console.
type AuditConsoleLogin struct {
	Operator AuditOperator `json:"operator"`
}

func (AuditConsoleLogin) auditData() {}

// AuditConsoleLoginFailed is logged when a key is rejected.
type AuditConsoleLoginFailed struct {
	Operator    AuditOperator `json:"operator"`
	Fingerprint string        `json:"fingerprint"`
}

func (AuditConsoleLoginFailed) auditData() {}

type AuditConsoleEnd struct {
	Operator AuditOperator `json:"operator"`
}

func (AuditConsoleEnd) auditData() {}

// AuditCommand is logged for every command line an operator runs.
type AuditCommand struct {
	Operator AuditOperator `json:"operator"`
	Line     string        `json:"line"`
	Handled  bool          `json:"handled"`
}

func (AuditCommand) auditData() {}

// NewAuditLogger opens the audit log at path for appending.
func NewAuditLogger(path string) (*AuditLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, swarmbot.WithStack(err)
	}
	return &AuditLogger{
		file: f,
		enc:  goccy.NewEncoder(f),
	}, nil
}

// Log writes an entry and flushes it to disk. The bot session comes from ctx.
// Panics if encoding fails, since the data types are all plain structs.
func (a *AuditLogger) Log(ctx context.Context, event string, data AuditData) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sessionID, _ := swarmbot.SessionID(ctx)
	if err := a.enc.Encode(AuditEntry{
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Session: sessionID,
		Event:   event,
		Data:    data,
	}); err != nil {
		panic(fmt.Sprintf("audit log encode failed: %v", err))
	}
	if err := a.file.Sync(); err != nil {
		log.Printf("audit log sync failed: %v", err)
	}
}

func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
