package irc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		prefix   string
		command  string
		params   []string
		trailing string
	}{
		{
			"full line",
			":search!search@example PRIVMSG #ebooks :your search results\r\n",
			"search!search@example", "PRIVMSG", []string{"#ebooks"}, "your search results",
		},
		{
			"no prefix",
			"PING :irc.example.net\r\n",
			"", "PING", nil, "irc.example.net",
		},
		{
			"numeric",
			":irc.example.net 001 booknick :Welcome to the network\r\n",
			"irc.example.net", "001", []string{"booknick"}, "Welcome to the network",
		},
		{
			"no trailing",
			"JOIN #ebooks\r\n",
			"", "JOIN", []string{"#ebooks"}, "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := parseLine(tt.raw)
			assert.Equal(t, tt.prefix, ev.Prefix)
			assert.Equal(t, tt.command, ev.Command)
			if tt.params == nil {
				assert.Empty(t, ev.Params)
			} else {
				assert.Equal(t, tt.params, ev.Params)
			}
			assert.Equal(t, tt.trailing, ev.Trailing)
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want EventType
	}{
		{"ping", "PING :token\r\n", EventPing},
		{"version", ":nick!u@h PRIVMSG me :\x01VERSION\x01\r\n", EventVersion},
		{
			"book offer",
			":bot!u@h PRIVMSG me :\x01DCC SEND \"Frank Herbert - Dune.epub\" 2130706433 4000 1048576\x01\r\n",
			EventBookResult,
		},
		{
			"results offer",
			":bot!u@h PRIVMSG me :\x01DCC SEND SearchBot_results_for_dune.txt.zip 2130706433 4000 2048\x01\r\n",
			EventSearchResult,
		},
		{"no results", ":bot!u@h NOTICE me :Sorry, no matches found for your query\r\n", EventNoResults},
		{"bad server", ":bot!u@h NOTICE me :That server is offline, try another server\r\n", EventBadServer},
		{"accepted", ":bot!u@h NOTICE me :Your search has been accepted, please wait\r\n", EventSearchAccepted},
		{"matches", ":bot!u@h NOTICE me :Returned 12 matches found for your search\r\n", EventMatchesFound},
		{"plain chat", ":someone!u@h PRIVMSG #ebooks :hello there\r\n", EventMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := classify(parseLine(tt.raw))
			assert.Equal(t, tt.want, ev.Type, "got %s", ev.Type)
		})
	}
}

func TestClassify_OfferAttached(t *testing.T) {
	ev := classify(parseLine(":bot!u@h PRIVMSG me :\x01DCC SEND \"book.epub\" 2130706433 4000 99\x01\r\n"))
	require.NotNil(t, ev.Offer)
	assert.Equal(t, "book.epub", ev.Offer.Filename)
	assert.Equal(t, "127.0.0.1", ev.Offer.IP)
	assert.Equal(t, 4000, ev.Offer.Port)
	assert.Equal(t, int64(99), ev.Offer.Size)
}
