package geoip

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFallback(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "geo.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestInitJSONFallback(t *testing.T) {
	path := writeFallback(t, `[
		{"net":"10.0.0.0/8","country":"UA","city":"Kyiv"},
		{"net":"192.168.0.0/16","country":"DE","city":"Berlin"}
	]`)

	g, err := Init(path)
	require.NoError(t, err)
	defer func() { _ = g.Close() }()

	assert.Equal(t, "ua", g.Country(net.ParseIP("10.1.2.3")))
	assert.Equal(t, "Kyiv", g.City(net.ParseIP("10.1.2.3")))
	assert.Equal(t, "de", g.Country(net.ParseIP("192.168.7.7")))
}

func TestLookupMiss(t *testing.T) {
	path := writeFallback(t, `[{"net":"10.0.0.0/8","country":"UA","city":"Kyiv"}]`)

	g, err := Init(path)
	require.NoError(t, err)

	assert.Empty(t, g.Country(net.ParseIP("203.0.113.5")))
	assert.Empty(t, g.City(net.ParseIP("203.0.113.5")))
}

func TestInitRejectsGarbage(t *testing.T) {
	path := writeFallback(t, "not a database")

	_, err := Init(path)
	assert.Error(t, err)
}

func TestInitMissingFile(t *testing.T) {
	_, err := Init(filepath.Join(t.TempDir(), "absent.mmdb"))
	assert.Error(t, err)
}

func TestNilReceiverIsSafe(t *testing.T) {
	var g *GeoIP
	assert.Empty(t, g.Country(net.ParseIP("10.0.0.1")))
	assert.Empty(t, g.City(net.ParseIP("10.0.0.1")))
	assert.NoError(t, g.Close())
}
