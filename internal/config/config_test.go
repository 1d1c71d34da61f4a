package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/m-lab/go/rtx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
# comment line
[udp0]
transport = udp
priority = 80
default = 1
ip = 10.0.0.1
port = 9000

[udp1]
transport = udp
priority = 20
interface = eth1
`

func TestParseOrdersByPriorityDescending(t *testing.T) {
	devices, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "udp0", devices[0].Name)
	assert.Equal(t, "udp1", devices[1].Name)
}

func TestParseUnknownKeysPassThrough(t *testing.T) {
	devices, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", devices[0].Params["ip"])
	assert.Equal(t, "9000", devices[0].Params["port"])
	assert.Equal(t, "eth1", devices[1].Params["interface"])
}

func TestParseDefaultFlag(t *testing.T) {
	devices, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)
	assert.True(t, devices[0].Default)
	assert.False(t, devices[1].Default)
}

func TestParseMissingTransportFails(t *testing.T) {
	_, err := Parse(strings.NewReader("[bad]\npriority = 10\n"))
	assert.Error(t, err)
}

func TestParseDuplicateDefaultFails(t *testing.T) {
	bad := "[a]\ntransport=udp\ndefault=1\n[b]\ntransport=udp\ndefault=1\n"
	_, err := Parse(strings.NewReader(bad))
	assert.Error(t, err)
}

func TestParseKeyOutsideSectionFails(t *testing.T) {
	_, err := Parse(strings.NewReader("transport = udp\n"))
	assert.Error(t, err)
}

func TestLoadRespectsEnvVar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cci.ini")
	rtx.Must(os.WriteFile(path, []byte(sample), 0o644), "failed to write fixture config")

	t.Setenv(EnvVar, path)
	devices, err := Load()
	require.NoError(t, err)
	assert.Len(t, devices, 2)
}

func TestLoadMissingEnvVarReturnsNotFound(t *testing.T) {
	t.Setenv(EnvVar, "")
	_, err := Load()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryDefault(t *testing.T) {
	devices, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	reg := NewRegistry(devices)
	d, err := reg.Default()
	require.NoError(t, err)
	assert.Equal(t, "udp0", d.Name)
}

func TestRegistryByName(t *testing.T) {
	devices, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	reg := NewRegistry(devices)
	d, ok := reg.ByName("udp1")
	require.True(t, ok)
	assert.Equal(t, 20, d.Priority)

	_, ok = reg.ByName("nonexistent")
	assert.False(t, ok)
}

func TestRegistryDefaultFallsBackToHighestPriority(t *testing.T) {
	devices, err := Parse(strings.NewReader("[a]\ntransport=udp\npriority=10\n[b]\ntransport=udp\npriority=90\n"))
	require.NoError(t, err)

	reg := NewRegistry(devices)
	d, err := reg.Default()
	require.NoError(t, err)
	assert.Equal(t, "b", d.Name)
}
