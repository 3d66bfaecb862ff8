// Package task tracks acquisitions from submission to a terminal state.
package task

import (
	"sync/atomic"
	"time"
)

// Source is the protocol family an acquisition comes from.
type Source string

const (
	SourceIRC     Source = "irc"
	SourceTorrent Source = "torrent"
	SourceUsenet  Source = "usenet"
	SourceDirect  Source = "direct"
)

// ContentType selects format allowlists and naming templates.
type ContentType string

const (
	ContentEbook     ContentType = "ebook"
	ContentAudiobook ContentType = "audiobook"
)

// Status is a state in the acquisition lifecycle.
//
//	queued -> resolving -> locating -> downloading -> {complete|error}
//
// Any non-terminal status may move to cancelled. Nothing leaves a terminal
// status.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusResolving   Status = "resolving"
	StatusLocating    Status = "locating"
	StatusDownloading Status = "downloading"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
	StatusCancelled   Status = "cancelled"
)

var statusRank = map[Status]int{
	StatusQueued:      0,
	StatusResolving:   1,
	StatusLocating:    2,
	StatusDownloading: 3,
	StatusComplete:    4,
	StatusError:       4,
	StatusCancelled:   4,
}

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]

	return ok
}

// Task is one acquisition request. Fields are mutated only through the Queue
// (and by the single worker that owns the task), so external readers always
// get copies.
type Task struct {
	ID        string
	Source    Source
	Reference string // opaque source-specific reference used to re-request the item

	Title       string
	Author      string
	ContentType ContentType
	Series      string
	SeriesIndex string
	Year        string

	Status        Status
	StatusMessage string
	Priority      int // lower runs first

	// RequesterID scopes visibility; empty means globally visible.
	RequesterID string

	// OriginalPath is set only when the transfer produced a file outside the
	// managed staging area, e.g. a torrent client's download directory.
	OriginalPath string

	// Output routing overrides.
	DestinationDir string
	Template       string

	SubmittedAt time.Time
	FinishedAt  time.Time

	seq       uint64
	claimed   bool
	cancelled atomic.Bool
}

// Cancelled reports the cooperative cancellation flag. Workers poll this at
// every suspension point.
func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

// snapshot returns a copy safe to hand to readers. The atomic flag and
// bookkeeping fields are deliberately left out.
func (t *Task) snapshot() Task {
	return Task{
		ID:             t.ID,
		Source:         t.Source,
		Reference:      t.Reference,
		Title:          t.Title,
		Author:         t.Author,
		ContentType:    t.ContentType,
		Series:         t.Series,
		SeriesIndex:    t.SeriesIndex,
		Year:           t.Year,
		Status:         t.Status,
		StatusMessage:  t.StatusMessage,
		Priority:       t.Priority,
		RequesterID:    t.RequesterID,
		OriginalPath:   t.OriginalPath,
		DestinationDir: t.DestinationDir,
		Template:       t.Template,
		SubmittedAt:    t.SubmittedAt,
		FinishedAt:     t.FinishedAt,
	}
}
