package cci

import (
	"testing"
	"time"

	"github.com/opencci/gocci/internal/constants"
	"github.com/opencci/gocci/internal/transport"
	"github.com/stretchr/testify/require"
)

// withMockTransport installs a MockTransport as the process-wide
// transport for the duration of one test, bypassing Init's real UDP
// transport construction.
func withMockTransport(t *testing.T) *MockTransport {
	t.Helper()
	mock := NewMockTransport(nil, nil)

	svc.mu.Lock()
	svc.inited = true
	svc.transport = mock
	svc.devices = []transport.DeviceInfo{{Name: "loopback0", Transport: "mock", Up: true}}
	svc.mu.Unlock()

	t.Cleanup(func() {
		svc.mu.Lock()
		svc.inited = false
		svc.transport = nil
		svc.devices = nil
		svc.mu.Unlock()
	})
	return mock
}

// pollEvent drives GetEvent until one is ready or the deadline passes.
func pollEvent(t *testing.T, ep *Endpoint, timeout time.Duration) *Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ev, err := GetEvent(ep)
		if err == nil {
			return ev
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no event within %s", timeout)
	return nil
}

func TestEchoLoopback(t *testing.T) {
	withMockTransport(t)

	server, err := CreateEndpointAt("loopback0", "mock://server")
	require.NoError(t, err)
	defer DestroyEndpoint(server)

	client, err := CreateEndpoint("loopback0")
	require.NoError(t, err)
	defer DestroyEndpoint(client)

	require.NoError(t, Connect(client, server.URI(), []byte("hello"), transport.AttrRO, "client-ctx", 0, nil))

	reqEv := pollEvent(t, server, time.Second)
	require.Equal(t, transport.EventConnectRequest, reqEv.Kind)
	require.Equal(t, "hello", string(reqEv.ConnectRequest.Data))
	require.NoError(t, Accept(server, reqEv, "server-ctx"))
	require.NoError(t, ReturnEvent(server, reqEv))

	connectEv := pollEvent(t, client, time.Second)
	require.Equal(t, transport.EventConnect, connectEv.Kind)
	require.Equal(t, string(StatusSuccess), connectEv.Connect.Status)
	clientConn := ConnectionFromEvent(client, connectEv)
	require.NotNil(t, clientConn)
	require.NoError(t, ReturnEvent(client, connectEv))

	acceptEv := pollEvent(t, server, time.Second)
	require.Equal(t, transport.EventAccept, acceptEv.Kind)
	serverConn := ConnectionFromEvent(server, acceptEv)
	require.NotNil(t, serverConn)
	require.NoError(t, ReturnEvent(server, acceptEv))

	require.NoError(t, Send(clientConn, []byte("ping"), "send-ctx", 0))

	// The server's progress pass receives the MSG and sends the ACK; only
	// then can the client's progress pass complete the reliable send.
	recvEv := pollEvent(t, server, time.Second)
	require.Equal(t, transport.EventRecv, recvEv.Kind)
	require.Equal(t, "ping", string(recvEv.Recv.Data))
	require.NoError(t, ReturnEvent(server, recvEv))

	sendEv := pollEvent(t, client, time.Second)
	require.Equal(t, transport.EventSend, sendEv.Kind)
	require.Equal(t, string(StatusSuccess), sendEv.Send.Status)
	require.NoError(t, ReturnEvent(client, sendEv))
}

func TestReliableOrderedDeliveryUnderLoss(t *testing.T) {
	mock := withMockTransport(t)
	mock.DropRate = 0.3

	server, err := CreateEndpointAt("loopback0", "mock://ro-server")
	require.NoError(t, err)
	defer DestroyEndpoint(server)
	client, err := CreateEndpoint("loopback0")
	require.NoError(t, err)
	defer DestroyEndpoint(client)

	require.NoError(t, Connect(client, server.URI(), nil, transport.AttrRO, nil, 0, nil))
	reqEv := pollEvent(t, server, time.Second)
	require.NoError(t, Accept(server, reqEv, nil))
	require.NoError(t, ReturnEvent(server, reqEv))
	connectEv := pollEvent(t, client, time.Second)
	clientConn := ConnectionFromEvent(client, connectEv)
	require.NoError(t, ReturnEvent(client, connectEv))
	acceptEv := pollEvent(t, server, time.Second)
	require.NoError(t, ReturnEvent(server, acceptEv))

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, Send(clientConn, []byte{byte(i)}, i, 0))
	}

	received := make([]byte, 0, n)
	deadline := time.Now().Add(5 * time.Second)
	for len(received) < n && time.Now().Before(deadline) {
		// Drive the client too: its progress pass retransmits dropped MSGs.
		if cev, cerr := GetEvent(client); cerr == nil {
			require.NoError(t, ReturnEvent(client, cev))
		}
		ev, err := GetEvent(server)
		if err != nil {
			time.Sleep(time.Millisecond)
			continue
		}
		if ev.Kind == transport.EventRecv {
			received = append(received, ev.Recv.Data[0])
		}
		require.NoError(t, ReturnEvent(server, ev))
	}

	require.Len(t, received, n)
	for i, b := range received {
		require.Equal(t, byte(i), b, "RO connection must deliver in order")
	}
}

func TestConnectTimeout(t *testing.T) {
	withMockTransport(t)

	client, err := CreateEndpoint("loopback0")
	require.NoError(t, err)
	defer DestroyEndpoint(client)

	timeout := 20 * time.Millisecond
	require.NoError(t, Connect(client, "mock://nobody-listens", nil, transport.AttrRO, "ctx", 0, &timeout))

	ev := pollEvent(t, client, 2*time.Second)
	require.Equal(t, transport.EventConnect, ev.Kind)
	require.Equal(t, string(StatusTimedOut), ev.Connect.Status)
	require.NoError(t, ReturnEvent(client, ev))
}

func TestRMAWriteWithCompletion(t *testing.T) {
	withMockTransport(t)

	server, err := CreateEndpointAt("loopback0", "mock://rma-server")
	require.NoError(t, err)
	defer DestroyEndpoint(server)
	client, err := CreateEndpoint("loopback0")
	require.NoError(t, err)
	defer DestroyEndpoint(client)

	serverRegion := make([]byte, 64)
	clientRegion := make([]byte, 64)
	for i := range clientRegion {
		clientRegion[i] = byte(i + 1)
	}
	serverHandle, err := RMARegister(server, serverRegion, transport.RMAWrite)
	require.NoError(t, err)
	defer RMADeregister(serverHandle)
	clientHandle, err := RMARegister(client, clientRegion, transport.RMAWrite)
	require.NoError(t, err)
	defer RMADeregister(clientHandle)

	require.NoError(t, Connect(client, server.URI(), nil, transport.AttrRO, nil, 0, nil))
	reqEv := pollEvent(t, server, time.Second)
	require.NoError(t, Accept(server, reqEv, nil))
	require.NoError(t, ReturnEvent(server, reqEv))
	connectEv := pollEvent(t, client, time.Second)
	clientConn := ConnectionFromEvent(client, connectEv)
	require.NoError(t, ReturnEvent(client, connectEv))
	acceptEv := pollEvent(t, server, time.Second)
	require.NoError(t, ReturnEvent(server, acceptEv))

	var remote [4]uint64
	remote[0] = serverHandle.Token()
	require.NoError(t, RMA(clientConn, transport.RMAWrite, clientHandle, 0, remote, 0, uint64(len(clientRegion)), []byte("done"), "rma-ctx", 0))

	recvEv := pollEvent(t, server, time.Second)
	require.Equal(t, transport.EventRecv, recvEv.Kind)
	require.Equal(t, "done", string(recvEv.Recv.Data))
	require.NoError(t, ReturnEvent(server, recvEv))

	require.Equal(t, clientRegion, serverRegion, "RMA write must move the source region byte-for-byte into the target region")
}

func TestRMAReadPullsRemoteBytes(t *testing.T) {
	withMockTransport(t)

	server, err := CreateEndpointAt("loopback0", "mock://rma-read-server")
	require.NoError(t, err)
	defer DestroyEndpoint(server)
	client, err := CreateEndpoint("loopback0")
	require.NoError(t, err)
	defer DestroyEndpoint(client)

	serverRegion := make([]byte, 64)
	for i := range serverRegion {
		serverRegion[i] = byte(i + 1)
	}
	clientRegion := make([]byte, 64)
	serverHandle, err := RMARegister(server, serverRegion, transport.RMARead)
	require.NoError(t, err)
	defer RMADeregister(serverHandle)
	clientHandle, err := RMARegister(client, clientRegion, transport.RMARead)
	require.NoError(t, err)
	defer RMADeregister(clientHandle)

	require.NoError(t, Connect(client, server.URI(), nil, transport.AttrRO, nil, 0, nil))
	reqEv := pollEvent(t, server, time.Second)
	require.NoError(t, Accept(server, reqEv, nil))
	require.NoError(t, ReturnEvent(server, reqEv))
	connectEv := pollEvent(t, client, time.Second)
	clientConn := ConnectionFromEvent(client, connectEv)
	require.NoError(t, ReturnEvent(client, connectEv))
	acceptEv := pollEvent(t, server, time.Second)
	require.NoError(t, ReturnEvent(server, acceptEv))

	var remote [4]uint64
	remote[0] = serverHandle.Token()
	require.NoError(t, RMA(clientConn, transport.RMARead, clientHandle, 0, remote, 0, uint64(len(serverRegion)), nil, "rma-read-ctx", 0))

	sendEv := pollEvent(t, client, time.Second)
	require.Equal(t, transport.EventSend, sendEv.Kind)
	require.NoError(t, ReturnEvent(client, sendEv))

	require.Equal(t, serverRegion, clientRegion, "RMA read must pull the source region byte-for-byte into the local region")
}

// TestReliableSendCompletesRNRAfterPeerStaysNotReady exhausts the
// server's RX buffer pool by flooding it with more reliable sends than
// it has buffers, so the tail of the flood is NACK_RNR'd instead of
// acknowledged, and checks that the client completes those sends RNR
// once its send timeout elapses, rather than TIMED_OUT.
func TestReliableSendCompletesRNRAfterPeerStaysNotReady(t *testing.T) {
	withMockTransport(t)

	server, err := CreateEndpointAt("loopback0", "mock://rnr-server")
	require.NoError(t, err)
	defer DestroyEndpoint(server)
	client, err := CreateEndpoint("loopback0")
	require.NoError(t, err)
	defer DestroyEndpoint(client)

	require.NoError(t, Connect(client, server.URI(), nil, transport.AttrRO, nil, 0, nil))
	reqEv := pollEvent(t, server, time.Second)
	require.NoError(t, Accept(server, reqEv, nil))
	require.NoError(t, ReturnEvent(server, reqEv))
	connectEv := pollEvent(t, client, time.Second)
	clientConn := ConnectionFromEvent(client, connectEv)
	require.NoError(t, ReturnEvent(client, connectEv))
	acceptEv := pollEvent(t, server, time.Second)
	require.NoError(t, ReturnEvent(server, acceptEv))

	require.NoError(t, SetOpt(clientConn, transport.OptConnSendTimeout, int64(30*time.Millisecond/time.Microsecond)))

	const flood = constants.DefaultRecvBufCount + 8
	for i := 0; i < flood; i++ {
		var ctx any = i
		if i == flood-1 {
			ctx = "rnr-ctx"
		}
		require.NoError(t, Send(clientConn, []byte{byte(i)}, ctx, 0))
	}

	// One progress pass on the server drains its whole inbox at once,
	// exhausting the RX pool partway through and NACK_RNR-ing the rest.
	_, _ = GetEvent(server)

	var rnrEv *Event
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ev, err := GetEvent(client)
		if err != nil {
			time.Sleep(time.Millisecond)
			continue
		}
		if ev.Kind == transport.EventSend && ev.Send.Context == "rnr-ctx" {
			rnrEv = ev
			require.NoError(t, ReturnEvent(client, ev))
			break
		}
		require.NoError(t, ReturnEvent(client, ev))
	}

	require.NotNil(t, rnrEv, "expected the flooded send to complete")
	require.Equal(t, string(StatusRNR), rnrEv.Send.Status, "a send whose peer stays receiver-not-ready must complete RNR, not timed out")
}

func TestKeepaliveTimeout(t *testing.T) {
	withMockTransport(t)

	server, err := CreateEndpointAt("loopback0", "mock://ka-server")
	require.NoError(t, err)
	defer DestroyEndpoint(server)
	client, err := CreateEndpoint("loopback0")
	require.NoError(t, err)
	defer DestroyEndpoint(client)

	require.NoError(t, Connect(client, server.URI(), nil, transport.AttrRO, nil, 0, nil))
	reqEv := pollEvent(t, server, time.Second)
	require.NoError(t, Accept(server, reqEv, nil))
	require.NoError(t, ReturnEvent(server, reqEv))
	connectEv := pollEvent(t, client, time.Second)
	clientConn := ConnectionFromEvent(client, connectEv)
	require.NoError(t, ReturnEvent(client, connectEv))
	acceptEv := pollEvent(t, server, time.Second)
	serverConn := ConnectionFromEvent(server, acceptEv)
	require.NoError(t, ReturnEvent(server, acceptEv))

	require.NoError(t, SetOpt(clientConn, transport.OptConnKeepaliveTimeout, int64(5*time.Millisecond/time.Microsecond)))
	require.NoError(t, SetOpt(serverConn, transport.OptConnKeepaliveTimeout, int64(5*time.Millisecond/time.Microsecond)))

	ev := pollEvent(t, server, 2*time.Second)
	require.Equal(t, transport.EventKeepaliveTimedOut, ev.Kind)
	require.NoError(t, ReturnEvent(server, ev))
}

func TestDeviceEnumerationRequiresInit(t *testing.T) {
	_, err := GetDevices()
	require.Error(t, err)
	require.Equal(t, StatusInvalid, StatusOf(err))

	withMockTransport(t)
	devices, err := GetDevices()
	require.NoError(t, err)
	require.NotEmpty(t, devices)
}
