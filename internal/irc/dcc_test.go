package irc

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDCCOffer(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		filename string
		ip       string
		port     int
		size     int64
	}{
		{
			"quoted filename",
			`DCC SEND "Frank Herbert - Dune.epub" 3232235777 2050 1048576`,
			"Frank Herbert - Dune.epub", "192.168.1.1", 2050, 1048576,
		},
		{
			"bare filename",
			`DCC SEND results.zip 2130706433 4000 2048`,
			"results.zip", "127.0.0.1", 4000, 2048,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offer, err := ParseDCCOffer(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.filename, offer.Filename)
			assert.Equal(t, tt.ip, offer.IP)
			assert.Equal(t, tt.port, offer.Port)
			assert.Equal(t, tt.size, offer.Size)
		})
	}
}

func TestParseDCCOffer_Invalid(t *testing.T) {
	inputs := []string{
		"PRIVMSG #ebooks :hello",
		"DCC SEND file.epub notanip 4000 10",
		"DCC CHAT chat 2130706433 4000",
	}
	for _, input := range inputs {
		_, err := ParseDCCOffer(input)
		assert.Error(t, err, input)
	}
}

// serveBytes listens on loopback and writes payload to the first connection.
func serveBytes(t *testing.T, payload []byte) (string, int) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write(payload)
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return host, port
}

func TestReceive_FullTransfer(t *testing.T) {
	payload := []byte("the spice must flow")
	host, port := serveBytes(t, payload)

	dest := filepath.Join(t.TempDir(), "dune.epub")
	offer := &DCCOffer{Filename: "dune.epub", IP: host, Port: port, Size: int64(len(payload))}

	var lastPct int
	cancelled, err := Receive(context.Background(), offer, dest, nil, func(pct int) { lastPct = pct })
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Equal(t, 100, lastPct)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReceive_SizeMismatchRemovesPartial(t *testing.T) {
	payload := []byte("short")
	host, port := serveBytes(t, payload)

	dest := filepath.Join(t.TempDir(), "dune.epub")
	offer := &DCCOffer{Filename: "dune.epub", IP: host, Port: port, Size: int64(len(payload)) + 100}

	_, err := Receive(context.Background(), offer, dest, nil, nil)

	var mismatch *SizeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int64(len(payload)), mismatch.Got)

	assert.NoFileExists(t, dest, "partial file must be removed")
}

func TestReceive_CancelledCleansUp(t *testing.T) {
	payload := []byte("data that will never fully arrive")
	host, port := serveBytes(t, payload[:4])

	dest := filepath.Join(t.TempDir(), "dune.epub")
	offer := &DCCOffer{Filename: "dune.epub", IP: host, Port: port, Size: int64(len(payload))}

	cancelled, err := Receive(context.Background(), offer, dest, func() bool { return true }, nil)
	require.NoError(t, err, "cancellation aborts without raising")
	assert.True(t, cancelled)
	assert.NoFileExists(t, dest)
}
