// Package irc implements the minimal IRC subset bookgrab needs: register,
// join one channel, issue a search line, and receive the reply file over DCC.
package irc

import "strings"

// EventType classifies an inbound IRC line into the fixed taxonomy the
// acquisition pipeline reacts to.
type EventType int

const (
	// EventMessage is any line with no special meaning to the pipeline.
	EventMessage EventType = iota
	EventPing
	EventVersion
	EventSearchResult
	EventBookResult
	EventNoResults
	EventBadServer
	EventSearchAccepted
	EventMatchesFound
	EventServerList
)

func (t EventType) String() string {
	switch t {
	case EventPing:
		return "PING"
	case EventVersion:
		return "VERSION"
	case EventSearchResult:
		return "SEARCH_RESULT"
	case EventBookResult:
		return "BOOK_RESULT"
	case EventNoResults:
		return "NO_RESULTS"
	case EventBadServer:
		return "BAD_SERVER"
	case EventSearchAccepted:
		return "SEARCH_ACCEPTED"
	case EventMatchesFound:
		return "MATCHES_FOUND"
	case EventServerList:
		return "SERVER_LIST"
	default:
		return "MESSAGE"
	}
}

// Event is one parsed IRC line.
type Event struct {
	Type     EventType
	Raw      string
	Prefix   string
	Command  string
	Params   []string
	Trailing string

	// Offer is populated for SEARCH_RESULT and BOOK_RESULT events.
	Offer *DCCOffer
}

// parseLine splits a CRLF-framed IRC line into prefix, command, params and
// trailing: "[:prefix] COMMAND params [:trailing]".
func parseLine(raw string) Event {
	ev := Event{Raw: raw}

	rest := strings.TrimRight(raw, "\r\n")

	if strings.HasPrefix(rest, ":") {
		if idx := strings.Index(rest, " "); idx >= 0 {
			ev.Prefix = rest[1:idx]
			rest = rest[idx+1:]
		} else {
			ev.Prefix = rest[1:]
			rest = ""
		}
	}

	if idx := strings.Index(rest, " :"); idx >= 0 {
		ev.Trailing = rest[idx+2:]
		rest = rest[:idx]
	}

	fields := strings.Fields(rest)
	if len(fields) > 0 {
		ev.Command = strings.ToUpper(fields[0])
		ev.Params = fields[1:]
	}

	return ev
}

// classify assigns the event type from the command and lightweight substring
// matching on the message text, the way the search bots actually talk.
func classify(ev Event) Event {
	text := strings.ToLower(ev.Trailing)

	switch {
	case ev.Command == "PING":
		ev.Type = EventPing
	case isCTCP(ev.Trailing, "VERSION"):
		ev.Type = EventVersion
	case strings.Contains(ev.Trailing, "DCC SEND"):
		offer, err := ParseDCCOffer(ev.Trailing)
		if err == nil {
			ev.Offer = offer

			if isResultsFile(offer.Filename) {
				ev.Type = EventSearchResult
			} else {
				ev.Type = EventBookResult
			}
		}
	case strings.Contains(text, "no matches found") || strings.Contains(text, "sorry"):
		ev.Type = EventNoResults
	case strings.Contains(text, "try another server") || strings.Contains(text, "try a different server"):
		ev.Type = EventBadServer
	case strings.Contains(text, "has been accepted"):
		ev.Type = EventSearchAccepted
	case strings.Contains(text, "matches found"):
		ev.Type = EventMatchesFound
	case strings.Contains(text, "to request a list of books"):
		ev.Type = EventServerList
	default:
		ev.Type = EventMessage
	}

	return ev
}

func isCTCP(trailing, tag string) bool {
	return strings.HasPrefix(trailing, "\x01"+tag) && strings.HasSuffix(trailing, "\x01")
}

// isResultsFile distinguishes a search-results listing from an actual book
// delivery by the conventional filename the search bots use.
func isResultsFile(name string) bool {
	lower := strings.ToLower(name)

	return strings.Contains(lower, "searchbot") || strings.Contains(lower, "results for")
}
