package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearblade/opcua-command-adapter/internal/stack"
)

func TestEntryToApplication(t *testing.T) {
	entry := zeroconf.NewServiceEntry("edge-opc-server", Service, Domain)
	entry.Port = 12686
	entry.Text = []string{"path=/edge-opc-server", "caps=LDS"}
	entry.AddrIPv4 = append(entry.AddrIPv4, net.IP{192, 168, 1, 10})

	app, ok := EntryToApplication(entry)
	require.True(t, ok)
	assert.Equal(t, "edge-opc-server", app.ApplicationName)
	assert.Equal(t, []string{"opc.tcp://192.168.1.10:12686/edge-opc-server"}, app.DiscoveryURLs)
	assert.Equal(t, stack.AppServer, app.Type)
}

func TestEntryWithoutAddress(t *testing.T) {
	entry := zeroconf.NewServiceEntry("ghost", Service, Domain)
	_, ok := EntryToApplication(entry)
	assert.False(t, ok)

	entry.HostName = "plc01.local."
	entry.Port = 4840
	entry.Text = []string{"path=ua"}
	app, ok := EntryToApplication(entry)
	require.True(t, ok)
	assert.Equal(t, "opc.tcp://plc01.local:4840/ua", app.ApplicationURI)
}

func TestFilterByType(t *testing.T) {
	apps := []stack.ApplicationDescription{
		{ApplicationName: "srv", Type: stack.AppServer},
		{ApplicationName: "cli", Type: stack.AppClient},
		{ApplicationName: "lds", Type: stack.AppDiscoveryServer},
	}
	mask, err := ParseTypes([]string{"server", "discovery_server"})
	require.NoError(t, err)

	got := Filter(apps, mask)
	require.Len(t, got, 2)
	assert.Equal(t, "srv", got[0].ApplicationName)
	assert.Equal(t, "lds", got[1].ApplicationName)

	_, err = ParseTypes([]string{"gateway"})
	assert.Error(t, err)
}
