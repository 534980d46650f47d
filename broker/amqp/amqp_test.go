// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqp

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/streadway/amqp"

	"github.com/orbitfleet/gateway/broker"
)

func TestSubscriptionLifecycle(t *testing.T) {
	Convey("Given an AMQP backend without a broker connection", t, func(c C) {

		var logs bytes.Buffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		backend, err := New(Config{Address: "localhost:5672"}, ctx)
		So(err, ShouldBeNil)

		Convey("Unsubscribing before anything consumed should close the subscriber channel", func() {
			messages, err := backend.SubscribeTelemetry("dev")
			So(errors.Is(err, broker.ErrTransport), ShouldBeTrue)

			So(backend.UnsubscribeTelemetry("dev"), ShouldBeNil)
			_, open := <-messages
			So(open, ShouldBeFalse)

			Convey("A second unsubscribe should be a no-op", func() {
				So(backend.UnsubscribeTelemetry("dev"), ShouldBeNil)
			})
		})

		Convey("Given a forwarder with deliveries in flight", func() {
			received := make(chan []byte, 2)
			messages := make(chan struct{})
			var once sync.Once
			sub := &subscription{
				routingKey: "dev.telemetry",
				handler:    func(body []byte) { received <- body },
				close:      func() { once.Do(func() { close(messages) }) },
			}

			deliveries := make(chan amqp.Delivery, 2)
			finished := make(chan struct{})
			go func() {
				backend.forward(sub, deliveries)
				close(finished)
			}()

			deliveries <- amqp.Delivery{Body: []byte(`{"value":1}`)}
			So(string(<-received), ShouldEqual, `{"value":1}`)

			Convey("A delivery arriving after cancellation should still be handled", func() {
				sub.detach()
				deliveries <- amqp.Delivery{Body: []byte(`{"value":2}`)}
				close(deliveries)

				So(string(<-received), ShouldEqual, `{"value":2}`)

				Convey("And the subscriber channel should close only after the stream drained", func() {
					<-finished
					_, open := <-messages
					So(open, ShouldBeFalse)
				})
			})

			Convey("A stream ending without cancellation should leave the subscriber channel open", func() {
				close(deliveries)
				<-finished
				select {
				case <-messages:
					So("subscriber channel closed", ShouldBeNil)
				default:
				}
			})
		})
	})
}
