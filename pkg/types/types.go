package types

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Status represents the lifecycle state of a compilation
type Status string

const (
	StatusQueued    Status = "queued"
	StatusCompiling Status = "compiling"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
)

// IsTerminal reports whether no further transitions are allowed from s
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusTimeout:
		return true
	}
	return false
}

// Engine identifies the TeX engine used for a compilation. The tag is
// opaque to the core except that it selects the sandbox image profile.
type Engine string

const (
	EnginePDFLaTeX Engine = "pdflatex"
	EngineXeLaTeX  Engine = "xelatex"
	EngineLuaLaTeX Engine = "lualatex"
)

// ValidEngine reports whether e is a known engine tag
func ValidEngine(e Engine) bool {
	switch e {
	case EnginePDFLaTeX, EngineXeLaTeX, EngineLuaLaTeX:
		return true
	}
	return false
}

// Compilation is the durable record of a single compile job
type Compilation struct {
	ID          string        `json:"id" db:"id"`
	ProjectID   string        `json:"project_id" db:"project_id"`
	TriggeredBy string        `json:"triggered_by,omitempty" db:"triggered_by"`
	Engine      Engine        `json:"engine" db:"engine"`
	Status      Status        `json:"status" db:"status"`
	PDFURL      string        `json:"pdf_url,omitempty" db:"pdf_url"`
	SynctexURL  string        `json:"synctex_url,omitempty" db:"synctex_url"`
	Log         string        `json:"log,omitempty" db:"log"`
	DurationMS  int64         `json:"duration_ms" db:"duration_ms"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// SourceFile is a text file in the compile payload
type SourceFile struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	Entrypoint bool   `json:"is_entrypoint"`
}

// Asset is a binary file referenced by blob key
type Asset struct {
	Path    string `json:"path"`
	BlobRef string `json:"blob_ref"`
}

// DefaultEntrypoint is used when no payload file is flagged as entrypoint
const DefaultEntrypoint = "main.tex"

// Job is the envelope consumed from the work queue
type Job struct {
	CompilationID string       `json:"compilation_id"`
	ProjectID     string       `json:"project_id"`
	TriggeredBy   string       `json:"triggered_by,omitempty"`
	Engine        Engine       `json:"engine"`
	Files         []SourceFile `json:"files"`
	Assets        []Asset      `json:"assets,omitempty"`
}

// Validate checks the job envelope invariants: required ids, a known
// engine, at least one file, safe unique paths, and at most one entrypoint.
func (j *Job) Validate() error {
	if j.CompilationID == "" {
		return fmt.Errorf("missing compilation_id")
	}
	if j.ProjectID == "" {
		return fmt.Errorf("missing project_id")
	}
	if !ValidEngine(j.Engine) {
		return fmt.Errorf("unknown engine %q", j.Engine)
	}
	if len(j.Files) == 0 {
		return fmt.Errorf("empty file list")
	}

	seen := make(map[string]bool, len(j.Files)+len(j.Assets))
	entrypoints := 0
	for _, f := range j.Files {
		if err := CheckRelPath(f.Path); err != nil {
			return err
		}
		if seen[f.Path] {
			return fmt.Errorf("duplicate path %q", f.Path)
		}
		seen[f.Path] = true
		if f.Entrypoint {
			entrypoints++
		}
	}
	if entrypoints > 1 {
		return fmt.Errorf("multiple entrypoint files")
	}
	for _, a := range j.Assets {
		if err := CheckRelPath(a.Path); err != nil {
			return err
		}
		if seen[a.Path] {
			return fmt.Errorf("duplicate path %q", a.Path)
		}
		seen[a.Path] = true
		if a.BlobRef == "" {
			return fmt.Errorf("asset %q has empty blob_ref", a.Path)
		}
	}
	return nil
}

// Entrypoint returns the relative path of the flagged entrypoint file,
// falling back to DefaultEntrypoint when none is flagged.
func (j *Job) Entrypoint() string {
	for _, f := range j.Files {
		if f.Entrypoint {
			return f.Path
		}
	}
	return DefaultEntrypoint
}

// CheckRelPath rejects absolute paths and any path that escapes its root
func CheckRelPath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("absolute path %q not allowed", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q escapes workspace", p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return fmt.Errorf("path %q escapes workspace", p)
		}
	}
	return nil
}

// EventType identifies a log bus wire event
type EventType string

const (
	EventLog    EventType = "log"
	EventStatus EventType = "status"
	EventDone   EventType = "done"
)

// Event is a single log bus message. Exactly one of the optional field
// groups is populated depending on Type.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp,omitzero"`

	// log
	Text string `json:"text,omitempty"`

	// status
	Status Status `json:"status,omitempty"`

	// done
	PDFURL     string `json:"pdf_url,omitempty"`
	SynctexURL string `json:"synctex_url,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// LineEvent builds a log line event stamped with the current time
func LineEvent(text string) Event {
	return Event{Type: EventLog, Text: text, Timestamp: time.Now()}
}

// StatusEvent mirrors a compilation status transition onto the bus
func StatusEvent(s Status) Event {
	return Event{Type: EventStatus, Status: s, Timestamp: time.Now()}
}

// DoneEvent is the final event on a compilation channel
func DoneEvent(c *Compilation) Event {
	return Event{
		Type:       EventDone,
		Timestamp:  time.Now(),
		PDFURL:     c.PDFURL,
		SynctexURL: c.SynctexURL,
		DurationMS: c.DurationMS,
	}
}
