package irc

import (
	"context"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"time"
)

// DCCOffer is a parsed "DCC SEND" message: the sender tells us where to
// connect and exactly how many bytes to expect. An offer is consumed by at
// most one Receive call.
type DCCOffer struct {
	Filename string
	IP       string // dotted quad, decoded from the packed uint32 form
	Port     int
	Size     int64
}

// SizeMismatchError reports a DCC transfer that closed with a byte count
// different from the advertised size.
type SizeMismatchError struct {
	Filename string
	Want     int64
	Got      int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("dcc transfer of %s received %d bytes, sender advertised %d", e.Filename, e.Got, e.Want)
}

// Offer line: DCC SEND "filename with spaces" <uint32-ip> <port> <size>
// (the quotes are optional for filenames without spaces).
var dccSendPattern = regexp.MustCompile(`DCC SEND "?(.+?)"? (\d+) (\d+) (\d+)`)

// ParseDCCOffer extracts an offer from a CTCP message body.
func ParseDCCOffer(text string) (*DCCOffer, error) {
	m := dccSendPattern.FindStringSubmatch(text)
	if m == nil {
		return nil, fmt.Errorf("not a DCC SEND message: %q", text)
	}

	ipInt, err := strconv.ParseUint(m[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid DCC address %q: %w", m[2], err)
	}

	port, err := strconv.Atoi(m[3])
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid DCC port %q", m[3])
	}

	size, err := strconv.ParseInt(m[4], 10, 64)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("invalid DCC size %q", m[4])
	}

	return &DCCOffer{
		Filename: m[1],
		IP:       unpackIP(uint32(ipInt)),
		Port:     port,
		Size:     size,
	}, nil
}

func unpackIP(packed uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d",
		(packed>>24)&0xff, (packed>>16)&0xff, (packed>>8)&0xff, packed&0xff)
}

const (
	dccDialTimeout = 30 * time.Second
	dccReadTimeout = 2 * time.Minute
	dccBufSize     = 32 * 1024
)

// Receive connects to the offered address and streams the file to destPath.
// Progress is reported at 1% increments. The cancelled flag is polled between
// reads; a cancelled transfer stops cleanly, removes the partial file and
// reports cancelled=true without an error. A transfer that closes short of
// the advertised size fails with SizeMismatchError and the partial file is
// removed.
func Receive(ctx context.Context, offer *DCCOffer, destPath string, cancelled func() bool, progress func(pct int)) (bool, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(offer.IP, strconv.Itoa(offer.Port)), dccDialTimeout)
	if err != nil {
		return false, fmt.Errorf("failed to connect for dcc transfer: %w", err)
	}
	defer conn.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return false, fmt.Errorf("failed to create destination file: %w", err)
	}

	var received int64

	lastPct := -1
	buf := make([]byte, dccBufSize)

	cleanupPartial := func() {
		out.Close()
		os.Remove(destPath)
	}

	for received < offer.Size {
		if cancelled != nil && cancelled() {
			cleanupPartial()

			return true, nil
		}

		if err := ctx.Err(); err != nil {
			cleanupPartial()

			return true, nil
		}

		conn.SetReadDeadline(time.Now().Add(dccReadTimeout))

		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				cleanupPartial()

				return false, fmt.Errorf("failed to write destination file: %w", werr)
			}

			received += int64(n)

			if progress != nil && offer.Size > 0 {
				pct := int(received * 100 / offer.Size)
				if pct > lastPct {
					lastPct = pct
					progress(pct)
				}
			}
		}

		if err != nil {
			break
		}
	}

	if err := out.Close(); err != nil {
		os.Remove(destPath)

		return false, fmt.Errorf("failed to close destination file: %w", err)
	}

	if received != offer.Size {
		os.Remove(destPath)

		return false, &SizeMismatchError{Filename: offer.Filename, Want: offer.Size, Got: received}
	}

	return false, nil
}
