package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPathMappingsDecode(t *testing.T) {
	var m PathMappings
	require.NoError(t, m.Decode(`/downloads=/mnt/seedbox; C:\done=/mnt/sab`))
	require.Equal(t, PathMappings{
		{Remote: "/downloads", Local: "/mnt/seedbox"},
		{Remote: `C:\done`, Local: "/mnt/sab"},
	}, m)
}

func TestPathMappingsDecode_Empty(t *testing.T) {
	var m PathMappings
	require.NoError(t, m.Decode(""))
	require.Empty(t, m)
}

func TestPathMappingsDecode_Invalid(t *testing.T) {
	var m PathMappings
	require.Error(t, m.Decode("/downloads"))
	require.Error(t, m.Decode("=/mnt/seedbox"))
}
