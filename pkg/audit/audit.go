// Package audit keeps an append-only trail of committed changes to a
// StrataDB store.
//
// The Logger is a storage.CommitListener: every committed transaction that
// created changesets becomes one COMMIT event naming the changesets, their
// author, the layers written and how many scopes were touched. Layer
// creation and reconfiguration are recorded as their own events, and access
// denials can be fed in from the authorization policy.
//
// Features:
//   - Immutable audit log entries (append-only JSON lines)
//   - Structured JSON format for machine processing
//   - Real-time alerting callback for selected event types
//   - Time span and type queries over the log
//
// Example Usage:
//
//	config := audit.DefaultConfig()
//	config.LogPath = "/var/log/stratadb/audit.log"
//
//	logger, err := audit.NewLogger(config)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer logger.Close()
//	store.AddCommitListener(logger)
//
//	reader := audit.NewReader(config.LogPath)
//	result, _ := reader.Query(audit.Query{
//		StartTime:  time.Now().AddDate(0, 0, -1),
//		EventTypes: []audit.EventType{audit.EventCommit},
//	})
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/orneryd/stratadb/pkg/storage"
	"github.com/pkg/errors"
)

// EventType classifies audit events.
type EventType string

const (
	// Data events
	EventCommit EventType = "COMMIT"

	// Catalog events
	EventLayerCreate EventType = "LAYER_CREATE"
	EventLayerUpdate EventType = "LAYER_UPDATE"

	// Authorization events
	EventAccessDenied EventType = "ACCESS_DENIED"
)

// TouchCounts summarises the scopes a commit wrote to.
type TouchCounts struct {
	Attributes int `json:"attributes"`
	Relations  int `json:"relations"`
	CIs        int `json:"cis"`
}

// Event represents an immutable audit log entry.
//
// All fields are optional except Type and Timestamp. Commit events carry Seq,
// Changesets, Author, Layers and Touched; layer events carry LayerID and
// Layer; denial events carry Principal, Permission and Layer.
type Event struct {
	// Unique event identifier
	ID string `json:"id"`

	// Timestamp in RFC3339 format (ISO 8601)
	Timestamp time.Time `json:"timestamp"`

	// Event classification
	Type EventType `json:"type"`

	// Commit information
	Seq        uint64                `json:"seq,omitempty"`
	Changesets []storage.ChangesetID `json:"changesets,omitempty"`
	Author     string                `json:"author,omitempty"`
	Layers     []storage.LayerID     `json:"layers,omitempty"`
	Touched    *TouchCounts          `json:"touched,omitempty"`

	// Layer information
	LayerID storage.LayerID `json:"layer_id,omitempty"`
	Layer   string          `json:"layer,omitempty"`

	// Actor information for denials
	Principal  string `json:"principal,omitempty"`
	Permission string `json:"permission,omitempty"`

	// Additional metadata
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Config holds audit logger configuration.
type Config struct {
	// Enabled controls whether audit logging is active
	Enabled bool

	// LogPath is the path to the audit log file
	LogPath string

	// SyncWrites forces fsync after each write (slower but more durable)
	SyncWrites bool

	// AlertOnEvents triggers the alert callback for specific event types
	AlertOnEvents []EventType
}

// DefaultConfig returns sensible defaults for audit logging.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		LogPath:       "./logs/audit.log",
		SyncWrites:    true,
		AlertOnEvents: []EventType{EventAccessDenied},
	}
}

// Logger handles audit log writing.
//
// Thread Safety:
//
//	All methods are thread-safe and can be called concurrently from
//	multiple goroutines.
type Logger struct {
	mu       sync.Mutex
	writer   io.Writer
	file     *os.File
	config   Config
	sequence uint64
	closed   bool
	logger   *slog.Logger
	now      func() time.Time

	// Callback for real-time alerting
	alertCallback func(Event)
}

var _ storage.CommitListener = (*Logger)(nil)

// NewLogger creates an audit logger appending to config.LogPath. If logging
// is disabled in config, returns a no-op logger that discards all events.
//
// Log files are created 0640 and their directory 0750.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config, logger: discard(), now: time.Now}, nil
	}

	dir := filepath.Dir(config.LogPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrap(err, "creating audit log directory")
	}

	file, err := os.OpenFile(config.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, errors.Wrap(err, "opening audit log file")
	}

	return &Logger{
		writer: file,
		file:   file,
		config: config,
		logger: discard(),
		now:    time.Now,
	}, nil
}

// NewLoggerWithWriter creates a logger with a custom writer (for testing).
func NewLoggerWithWriter(writer io.Writer, config Config) *Logger {
	return &Logger{
		writer: writer,
		config: config,
		logger: discard(),
		now:    time.Now,
	}
}

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// SetLogger sets where failures of the commit listener are reported.
// OnCommit cannot return errors to the committing transaction.
func (l *Logger) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = discard()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger = logger.With(slog.String("component", "audit"))
}

// SetAlertCallback sets a callback for real-time alerting.
func (l *Logger) SetAlertCallback(fn func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alertCallback = fn
}

// Log records an audit event.
//
// The event is timestamped and assigned an ID (audit-{nanoseconds}-{sequence})
// if not provided. If SyncWrites is enabled, the log is fsynced.
func (l *Logger) Log(event Event) error {
	if !l.config.Enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.New("audit logger is closed")
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	if event.ID == "" {
		l.sequence++
		event.ID = fmt.Sprintf("audit-%d-%d", event.Timestamp.UnixNano(), l.sequence)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshaling audit event")
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, "writing audit event")
	}
	if l.config.SyncWrites && l.file != nil {
		if err := l.file.Sync(); err != nil {
			return errors.Wrap(err, "syncing audit log")
		}
	}

	if l.alertCallback != nil {
		for _, alertType := range l.config.AlertOnEvents {
			if event.Type == alertType {
				l.alertCallback(event)
				break
			}
		}
	}
	return nil
}

// OnCommit implements storage.CommitListener.
func (l *Logger) OnCommit(ce storage.CommitEvent) {
	at := ce.CommittedAt.UTC()
	for _, layer := range ce.Layers {
		l.record(layerEvent(EventLayerCreate, layer, ce.Seq, at))
	}
	for _, layer := range ce.LayerUpdates {
		l.record(layerEvent(EventLayerUpdate, layer, ce.Seq, at))
	}
	if len(ce.Changesets) > 0 {
		l.record(commitEvent(ce, at))
	}
}

func (l *Logger) record(event Event) {
	if err := l.Log(event); err != nil {
		l.mu.Lock()
		logger := l.logger
		l.mu.Unlock()
		logger.Error("audit write failed",
			slog.String("type", string(event.Type)),
			slog.Uint64("seq", event.Seq),
			slog.String("error", err.Error()))
	}
}

// LogAccessDenied records a request rejected by the authorization policy.
func (l *Logger) LogAccessDenied(principal, permission, layer string, at time.Time) error {
	return l.Log(Event{
		Type:       EventAccessDenied,
		Timestamp:  at.UTC(),
		Principal:  principal,
		Permission: permission,
		Layer:      layer,
	})
}

func commitEvent(ce storage.CommitEvent, at time.Time) Event {
	e := Event{
		Type:      EventCommit,
		Timestamp: at,
		Seq:       ce.Seq,
		Touched:   &TouchCounts{},
	}
	authors := make(map[string]struct{})
	for _, cs := range ce.Changesets {
		e.Changesets = append(e.Changesets, cs.ID)
		authors[cs.Author] = struct{}{}
	}
	if len(ce.Changesets) > 0 {
		e.Author = ce.Changesets[0].Author
	}
	if len(authors) > 1 {
		names := make([]string, 0, len(authors))
		for a := range authors {
			names = append(names, a)
		}
		sort.Strings(names)
		e.Metadata = map[string]string{"authors": fmt.Sprint(names)}
	}

	layers := make(map[storage.LayerID]struct{})
	for _, t := range ce.Touched {
		switch t.Kind {
		case storage.TouchAttribute:
			e.Touched.Attributes++
		case storage.TouchRelation:
			e.Touched.Relations++
		case storage.TouchCI:
			e.Touched.CIs++
		}
		if t.Layer != 0 {
			layers[t.Layer] = struct{}{}
		}
	}
	for id := range layers {
		e.Layers = append(e.Layers, id)
	}
	sort.Slice(e.Layers, func(i, j int) bool { return e.Layers[i] < e.Layers[j] })
	return e
}

func layerEvent(t EventType, layer *storage.Layer, seq uint64, at time.Time) Event {
	return Event{
		Type:      t,
		Timestamp: at,
		Seq:       seq,
		LayerID:   layer.ID,
		Layer:     layer.Name,
		Metadata:  map[string]string{"enabled": fmt.Sprint(layer.Enabled)},
	}
}

// Close closes the audit logger.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closed = true
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Query allows searching audit logs.
type Query struct {
	StartTime  time.Time
	EndTime    time.Time
	EventTypes []EventType
	Author     string
	Layer      storage.LayerID
	Limit      int
	Offset     int
}

// QueryResult holds audit query results.
type QueryResult struct {
	Events     []Event
	TotalCount int
	HasMore    bool
}

// maxLineSize bounds one audit line.
const maxLineSize = 4 * 1024 * 1024

// Reader provides audit log reading capabilities.
type Reader struct {
	path string
}

// NewReader creates an audit log reader.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Query scans the audit log for events matching q. Malformed lines are
// skipped. A missing log yields an empty result.
func (r *Reader) Query(q Query) (*QueryResult, error) {
	file, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &QueryResult{Events: []Event{}}, nil
		}
		return nil, errors.Wrap(err, "opening audit log")
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		if q.matches(&event) {
			events = append(events, event)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading audit log")
	}

	total := len(events)
	if q.Offset > 0 {
		if q.Offset >= len(events) {
			events = nil
		} else {
			events = events[q.Offset:]
		}
	}
	if q.Limit > 0 && len(events) > q.Limit {
		events = events[:q.Limit]
	}

	return &QueryResult{
		Events:     events,
		TotalCount: total,
		HasMore:    q.Offset+len(events) < total,
	}, nil
}

func (q *Query) matches(event *Event) bool {
	if !q.StartTime.IsZero() && event.Timestamp.Before(q.StartTime) {
		return false
	}
	if !q.EndTime.IsZero() && event.Timestamp.After(q.EndTime) {
		return false
	}
	if len(q.EventTypes) > 0 && !containsEventType(q.EventTypes, event.Type) {
		return false
	}
	if q.Author != "" && event.Author != q.Author {
		return false
	}
	if q.Layer != 0 && event.LayerID != q.Layer && !containsLayer(event.Layers, q.Layer) {
		return false
	}
	return true
}

// Commits returns the commit events of a time span.
func (r *Reader) Commits(start, end time.Time) (*QueryResult, error) {
	return r.Query(Query{
		StartTime:  start,
		EndTime:    end,
		EventTypes: []EventType{EventCommit},
	})
}

func containsEventType(types []EventType, t EventType) bool {
	for _, et := range types {
		if et == t {
			return true
		}
	}
	return false
}

func containsLayer(layers []storage.LayerID, id storage.LayerID) bool {
	for _, l := range layers {
		if l == id {
			return true
		}
	}
	return false
}
