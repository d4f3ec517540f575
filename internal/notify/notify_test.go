package notify_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/ridellite/internal/notify"
)

func TestNilConnPublishIsNoOp(t *testing.T) {
	sink := notify.NewNatsSink(nil, "")
	err := sink.Publish(context.Background(), notify.Event{Type: notify.EventOfferSent, RideID: uuid.New()})
	require.NoError(t, err)
}

func TestNilSinkPublishIsNoOp(t *testing.T) {
	var sink *notify.NatsSink
	err := sink.Publish(context.Background(), notify.Event{Type: notify.EventOfferSent, RideID: uuid.New()})
	require.NoError(t, err)
}
