// Copyright © 2026 Orbitfleet
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package mqtt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	paho "github.com/eclipse/paho.mqtt.golang"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/orbitfleet/gateway/types"
)

func TestMQTT(t *testing.T) {
	host := os.Getenv("GATEWAY_MQTT_ADDRESS")
	if host == "" {
		t.Skip("no GATEWAY_MQTT_ADDRESS set; skipping MQTT integration test")
	}

	Convey("Given a new MQTT backend", t, func(c C) {

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

		backend, err := New(Config{
			Brokers: []string{fmt.Sprintf("tcp://%s", host)},
		}, ctx)
		So(err, ShouldBeNil)
		So(backend.Connect(), ShouldBeNil)
		defer backend.Disconnect()

		// Raw client playing the device side.
		deviceOpts := paho.NewClientOptions().AddBroker(fmt.Sprintf("tcp://%s", host))
		device := paho.NewClient(deviceOpts)
		token := device.Connect()
		token.Wait()
		So(token.Error(), ShouldBeNil)
		defer device.Disconnect(100)

		Convey("When subscribing to a device's telemetry", func() {
			telemetry, err := backend.SubscribeTelemetry("dev")
			So(err, ShouldBeNil)
			defer backend.UnsubscribeTelemetry("dev")

			Convey("A published telemetry message should be delivered", func() {
				body, _ := json.Marshal(&types.TelemetryMessage{
					DeviceID: "dev",
					Time:     time.Now().UTC(),
					Payload:  json.RawMessage(`{"temperature":21.5}`),
				})
				token := device.Publish("dev/telemetry", PublishQoS, false, body)
				token.Wait()
				So(token.Error(), ShouldBeNil)

				select {
				case msg := <-telemetry:
					So(msg.DeviceID, ShouldEqual, "dev")
					So(msg.Backend, ShouldEqual, "MQTT")
				case <-time.After(5 * time.Second):
					So("no telemetry message", ShouldBeNil)
				}
			})
		})

		Convey("When the device listens for commands", func() {
			commands := make(chan []byte, 1)
			token := device.Subscribe("dev/command", SubscribeQoS, func(_ paho.Client, msg paho.Message) {
				commands <- msg.Payload()
			})
			token.Wait()
			So(token.Error(), ShouldBeNil)

			Convey("A published command should be delivered", func() {
				So(backend.PublishCommand(&types.CommandMessage{
					CommandID: "cmd-1",
					DeviceID:  "dev",
					Time:      time.Now().UTC(),
					Payload:   json.RawMessage(`{"action":"reboot"}`),
				}), ShouldBeNil)

				select {
				case body := <-commands:
					var msg types.CommandMessage
					So(json.Unmarshal(body, &msg), ShouldBeNil)
					So(msg.CommandID, ShouldEqual, "cmd-1")
				case <-time.After(5 * time.Second):
					So("no command message", ShouldBeNil)
				}
			})
		})
	})
}
