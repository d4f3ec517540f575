package wsdispatch_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/example/ridellite/internal/offers"
	"github.com/example/ridellite/internal/wsdispatch"
)

func dialPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var serverConn *websocket.Conn
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConn = c
	}))

	wsURL := "ws" + server.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	cleanup := func() {
		_ = clientConn.Close()
		server.Close()
	}
	return serverConn, clientConn, cleanup
}

func TestPushSendsOfferToRegisteredDriver(t *testing.T) {
	serverConn, clientConn, cleanup := dialPair(t)
	defer cleanup()

	reg := wsdispatch.NewRegistry()
	driverID := uuid.New()
	reg.Add(driverID, serverConn)

	view := offers.ActiveOfferView{OfferID: uuid.New(), RideID: uuid.New(), PickupText: "A"}
	require.NoError(t, reg.Push(driverID, view))

	var got offers.ActiveOfferView
	require.NoError(t, clientConn.ReadJSON(&got))
	require.Equal(t, view.OfferID, got.OfferID)
}

func TestPushReturnsErrNoSessionWhenUnregistered(t *testing.T) {
	reg := wsdispatch.NewRegistry()
	err := reg.Push(uuid.New(), offers.ActiveOfferView{})
	require.ErrorIs(t, err, wsdispatch.ErrNoSession)
}

func TestRemoveDropsSession(t *testing.T) {
	serverConn, _, cleanup := dialPair(t)
	defer cleanup()

	reg := wsdispatch.NewRegistry()
	driverID := uuid.New()
	reg.Add(driverID, serverConn)
	reg.Remove(driverID)

	err := reg.Push(driverID, offers.ActiveOfferView{})
	require.ErrorIs(t, err, wsdispatch.ErrNoSession)
}
