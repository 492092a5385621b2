package transfer

import (
	"regexp"
	"strconv"
	"strings"
)

// EventKind tags one classified line of tool output
type EventKind int

const (
	EventOther EventKind = iota
	EventTokenExpired
	EventLogin
	EventFolderListed
	EventFolderSize
	EventMessageTotals
	EventMessageProgress
	EventFolderLoop
	EventFolderProgress
	EventFolderEnded
	EventErrorsDetected
	EventError
	EventWarning
	EventSuccess
	EventCompleted
)

var eventNames = map[EventKind]string{
	EventOther:           "other",
	EventTokenExpired:    "token_expired",
	EventLogin:           "login",
	EventFolderListed:    "folder_listed",
	EventFolderSize:      "folder_size",
	EventMessageTotals:   "message_totals",
	EventMessageProgress: "message_progress",
	EventFolderLoop:      "folder_loop",
	EventFolderProgress:  "folder_progress",
	EventFolderEnded:     "folder_ended",
	EventErrorsDetected:  "errors_detected",
	EventError:           "error",
	EventWarning:         "warning",
	EventSuccess:         "success",
	EventCompleted:       "completed",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is the result of classifying one output line.
// Host is 1 or 2 for login events. N and M carry the numbers the line reported.
type Event struct {
	Kind   EventKind
	Folder string
	Host   int
	N      int
	M      int
	Line   string
}

type rule struct {
	kind  EventKind
	match func(line string) (Event, bool)
}

var (
	folderSizeRe      = regexp.MustCompile(`folder \[(.*?)\] has (\d+) messages`)
	messageTotalsRe   = regexp.MustCompile(`there are (\d+) among (\d+) identified messages`)
	folderEndedRe     = regexp.MustCompile(`\+\+\+\+ Folder \[(.*?)\] ended`)
	folderLoopRe      = regexp.MustCompile(`\+\+\+\+ Looping on each one of (\d+) folders`)
	folderProgressRe  = regexp.MustCompile(`Folder\s+(\d+)/(\d+)\s+\[(.*?)\]`)
	messageProgressRe = regexp.MustCompile(`(\d+)/(\d+) msg`)
	folderListedRe    = regexp.MustCompile(`Host1:? folder\s*\[(.*?)\]`)
	errorsDetectedRe  = regexp.MustCompile(`(?i)detected (\d+) errors`)
	exitRe            = regexp.MustCompile(`Exiting with return value (\d+)`)
)

// rules is evaluated in order; the first match wins.
var rules = []rule{
	{EventTokenExpired, func(line string) (Event, bool) {
		return Event{}, strings.Contains(line, "AccessTokenExpired") || strings.Contains(line, "AUTHENTICATE failed")
	}},
	{EventLogin, func(line string) (Event, bool) {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "success login") {
			return Event{}, false
		}
		switch {
		case strings.Contains(lower, "host1"):
			return Event{Host: 1}, true
		case strings.Contains(lower, "host2"):
			return Event{Host: 2}, true
		}
		return Event{}, false
	}},
	{EventFolderSize, func(line string) (Event, bool) {
		m := folderSizeRe.FindStringSubmatch(line)
		if m == nil {
			return Event{}, false
		}
		return Event{Folder: m[1], N: atoi(m[2])}, true
	}},
	{EventMessageTotals, func(line string) (Event, bool) {
		m := messageTotalsRe.FindStringSubmatch(line)
		if m == nil {
			return Event{}, false
		}
		return Event{N: atoi(m[1]), M: atoi(m[2])}, true
	}},
	{EventFolderEnded, func(line string) (Event, bool) {
		m := folderEndedRe.FindStringSubmatch(line)
		if m == nil {
			return Event{}, false
		}
		return Event{Folder: m[1]}, true
	}},
	{EventFolderLoop, func(line string) (Event, bool) {
		m := folderLoopRe.FindStringSubmatch(line)
		if m == nil {
			return Event{}, false
		}
		return Event{N: atoi(m[1])}, true
	}},
	{EventFolderProgress, func(line string) (Event, bool) {
		m := folderProgressRe.FindStringSubmatch(line)
		if m == nil {
			return Event{}, false
		}
		return Event{N: atoi(m[1]), M: atoi(m[2]), Folder: m[3]}, true
	}},
	{EventMessageProgress, func(line string) (Event, bool) {
		m := messageProgressRe.FindStringSubmatch(line)
		if m == nil {
			return Event{}, false
		}
		return Event{N: atoi(m[1]), M: atoi(m[2])}, true
	}},
	{EventFolderListed, func(line string) (Event, bool) {
		m := folderListedRe.FindStringSubmatch(line)
		if m == nil {
			return Event{}, false
		}
		return Event{Folder: m[1]}, true
	}},
	{EventErrorsDetected, func(line string) (Event, bool) {
		m := errorsDetectedRe.FindStringSubmatch(line)
		if m == nil {
			return Event{}, false
		}
		return Event{N: atoi(m[1])}, true
	}},
	{EventCompleted, func(line string) (Event, bool) {
		m := exitRe.FindStringSubmatch(line)
		if m == nil {
			return Event{}, false
		}
		return Event{N: atoi(m[1])}, true
	}},
	{EventError, func(line string) (Event, bool) {
		lower := strings.ToLower(line)
		return Event{}, strings.Contains(lower, "error") || strings.Contains(lower, "failed")
	}},
	{EventWarning, func(line string) (Event, bool) {
		return Event{}, strings.Contains(strings.ToLower(line), "warning")
	}},
	{EventSuccess, func(line string) (Event, bool) {
		lower := strings.ToLower(line)
		return Event{}, strings.Contains(lower, "success") || strings.Contains(lower, "done") || strings.Contains(lower, "finished")
	}},
}

// Classify maps one output line to an event.
func Classify(line string) Event {
	for _, r := range rules {
		if ev, ok := r.match(line); ok {
			ev.Kind = r.kind
			ev.Line = line
			return ev
		}
	}
	return Event{Kind: EventOther, Line: line}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Progress is the observable state of one invocation, built by Apply.
type Progress struct {
	Host1Connected  bool
	Host2Connected  bool
	TokenExpired    bool
	Completed       bool
	ExitValue       int
	FolderTotal     int
	FolderIndex     int
	CurrentFolder   string
	FolderSizes     map[string]int
	FoldersEnded    []string
	FoldersListed   []string
	MessagesToSync  int
	MessagesFound   int
	Processed       int
	ProcessedTotal  int
	Errors          int
	Warnings        int
	ErrorsReported  int
	LastError       string
}

// Apply folds one event into the progress state. It touches nothing but p.
func (p *Progress) Apply(ev Event) {
	switch ev.Kind {
	case EventTokenExpired:
		p.TokenExpired = true
		p.LastError = ev.Line
	case EventLogin:
		if ev.Host == 1 {
			p.Host1Connected = true
		} else {
			p.Host2Connected = true
		}
	case EventFolderListed:
		p.FoldersListed = append(p.FoldersListed, ev.Folder)
	case EventFolderSize:
		if p.FolderSizes == nil {
			p.FolderSizes = make(map[string]int)
		}
		p.FolderSizes[ev.Folder] = ev.N
	case EventMessageTotals:
		p.MessagesToSync = ev.N
		p.MessagesFound = ev.M
	case EventMessageProgress:
		p.Processed = ev.N
		p.ProcessedTotal = ev.M
	case EventFolderLoop:
		p.FolderTotal = ev.N
	case EventFolderProgress:
		p.FolderIndex = ev.N
		p.FolderTotal = ev.M
		p.CurrentFolder = ev.Folder
	case EventFolderEnded:
		p.FoldersEnded = append(p.FoldersEnded, ev.Folder)
	case EventErrorsDetected:
		p.ErrorsReported = ev.N
	case EventCompleted:
		p.Completed = true
		p.ExitValue = ev.N
	case EventError:
		p.Errors++
		p.LastError = ev.Line
	case EventWarning:
		p.Warnings++
	}
}

// Transferred returns the best known count of messages handled.
func (p *Progress) Transferred() int {
	if p.Processed > 0 {
		return p.Processed
	}
	return p.MessagesToSync
}
