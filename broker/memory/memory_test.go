package memory

import (
	"testing"

	"github.com/ggoodman/bayeux-server-go/broker"
	"github.com/ggoodman/bayeux-server-go/broker/brokertest"
)

func TestMemoryBroker(t *testing.T) {
	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		return New()
	})
}
